// Package domain defines the entity records mirrored by the sync engine and
// the push events that mutate them.
//
// Every row delivered by the backend is validated here before it enters the
// cache; nothing downstream handles loosely shaped data.
package domain

import (
	"strings"
	"time"
)

// PresenceStatus describes a member's presence.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceDND     PresenceStatus = "dnd"
	PresenceOffline PresenceStatus = "offline"
)

// Role describes a user's standing on a server, derived from token holdings.
type Role string

const (
	// RoleMember holds at least the server's minimum token threshold.
	RoleMember Role = "member"
	// RoleGuest is below the threshold and cannot write.
	RoleGuest Role = "guest"
)

// ChannelKind discriminates channel behavior.
type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
	ChannelFeed  ChannelKind = "feed"
)

// Section groups channels in the UI. It is derived from the channel kind,
// never stored.
type Section string

const (
	SectionFeed    Section = "Feed"
	SectionGeneral Section = "General"
)

// Member is one user's presence record within a server scope. Members are
// created on first sync and mutated by push events or heartbeat refreshes;
// stale entries simply stop appearing in a resync.
type Member struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"display_name"`
	Status         PresenceStatus `json:"status"`
	AvatarRef      string         `json:"avatar_ref,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// Membership records one user's token-derived standing on a server.
// TokenBalanceRaw is always the smallest on-chain unit; conversion to a
// human-readable quantity happens only at evaluation time.
type Membership struct {
	UserID            string    `json:"user_id"`
	ServerID          string    `json:"server_id"`
	Role              Role      `json:"role"`
	TokenBalanceRaw   int64     `json:"token_balance_raw"`
	HoldingPercentage float64   `json:"holding_percentage"`
	LastVerifiedAt    time.Time `json:"last_verified_at"`
}

// Channel is static per server, loaded once and cached.
type Channel struct {
	ID                 string      `json:"id"`
	ServerID           string      `json:"server_id"`
	Name               string      `json:"name"`
	Kind               ChannelKind `json:"kind"`
	MinTokenPercentage *float64    `json:"min_token_percentage,omitempty"`
}

// Section derives the UI grouping for the channel.
func (c Channel) Section() Section {
	if c.Kind == ChannelFeed {
		return SectionFeed
	}
	return SectionGeneral
}

// Message is one chat message. The ID is provisional (temp- prefixed, minted
// locally) until the backend's canonical record replaces it.
type Message struct {
	ID          string     `json:"id"`
	ChannelID   string     `json:"channel_id"`
	ServerID    string     `json:"server_id"`
	AuthorID    string     `json:"author_id"`
	Content     string     `json:"content,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	ReplyTo     string     `json:"reply_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}

// Post is one feed post with its reaction aggregate.
type Post struct {
	ID          string     `json:"id"`
	ChannelID   string     `json:"channel_id"`
	ServerID    string     `json:"server_id"`
	AuthorID    string     `json:"author_id"`
	Content     string     `json:"content,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	Reactions   Reactions  `json:"reactions"`
}

// Reactions is the aggregate mutated by both the optimistic local toggle and
// push-based refreshes. Both paths must converge once a write is
// acknowledged.
type Reactions struct {
	PostID        string `json:"post_id,omitempty"`
	Likes         int    `json:"likes_count"`
	Retweets      int    `json:"retweets_count"`
	UserLiked     bool   `json:"user_liked"`
	UserRetweeted bool   `json:"user_retweeted"`
}

// ValidateMember rejects member rows with missing identity fields.
func ValidateMember(m Member) error {
	if strings.TrimSpace(m.ID) == "" {
		return errFieldRequired("member", "id")
	}
	switch m.Status {
	case PresenceOnline, PresenceDND, PresenceOffline:
	default:
		return errFieldInvalid("member", "status", string(m.Status))
	}
	return nil
}

// ValidateChannel rejects channel rows with missing scope fields.
func ValidateChannel(c Channel) error {
	if strings.TrimSpace(c.ID) == "" {
		return errFieldRequired("channel", "id")
	}
	if strings.TrimSpace(c.ServerID) == "" {
		return errFieldRequired("channel", "server_id")
	}
	switch c.Kind {
	case ChannelText, ChannelVoice, ChannelFeed:
	default:
		return errFieldInvalid("channel", "kind", string(c.Kind))
	}
	return nil
}

// ValidateMessage rejects message rows with missing identity or scope fields.
func ValidateMessage(m Message) error {
	if strings.TrimSpace(m.ID) == "" {
		return errFieldRequired("message", "id")
	}
	if strings.TrimSpace(m.ChannelID) == "" {
		return errFieldRequired("message", "channel_id")
	}
	if strings.TrimSpace(m.ServerID) == "" {
		return errFieldRequired("message", "server_id")
	}
	if strings.TrimSpace(m.AuthorID) == "" {
		return errFieldRequired("message", "author_id")
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return errFieldRequired("message", "content or attachments")
	}
	return nil
}

// ValidatePost rejects post rows with missing identity or scope fields.
func ValidatePost(p Post) error {
	if strings.TrimSpace(p.ID) == "" {
		return errFieldRequired("post", "id")
	}
	if strings.TrimSpace(p.ChannelID) == "" {
		return errFieldRequired("post", "channel_id")
	}
	if strings.TrimSpace(p.ServerID) == "" {
		return errFieldRequired("post", "server_id")
	}
	if strings.TrimSpace(p.AuthorID) == "" {
		return errFieldRequired("post", "author_id")
	}
	if strings.TrimSpace(p.Content) == "" && len(p.Attachments) == 0 {
		return errFieldRequired("post", "content or attachments")
	}
	return nil
}
