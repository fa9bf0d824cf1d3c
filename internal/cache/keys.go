package cache

// Composite cache keys. Keys are explicit structs so invalidation by scope
// is a field comparison, never string parsing.

// MembersKey scopes the member roster of one server.
type MembersKey struct {
	ServerID string
}

// ChannelsKey scopes the channel list of one server.
type ChannelsKey struct {
	ServerID string
}

// MessagesKey scopes one page of a channel's messages.
type MessagesKey struct {
	ServerID  string
	ChannelID string
	Cursor    string
	PageSize  int
}

// InScope reports whether the key belongs to the given server/channel pair.
func (k MessagesKey) InScope(serverID, channelID string) bool {
	return k.ServerID == serverID && k.ChannelID == channelID
}

// PostsKey scopes the feed of one channel.
type PostsKey struct {
	ServerID  string
	ChannelID string
}

// InScope reports whether the key belongs to the given server/channel pair.
func (k PostsKey) InScope(serverID, channelID string) bool {
	return k.ServerID == serverID && k.ChannelID == channelID
}
