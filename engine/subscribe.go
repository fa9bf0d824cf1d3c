package engine

import (
	"context"
	"sync"

	"github.com/veldt-labs/tokenhall/internal/cache"
	"github.com/veldt-labs/tokenhall/internal/domain"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
	"github.com/veldt-labs/tokenhall/internal/subscription"
)

// Subscription is the disposable handle a subscribe call returns. Cancel is
// idempotent and synchronous: the stream and its heartbeat are gone when it
// returns, and in-flight results are discarded.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel tears the subscription down.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func (e *Engine) subscribe(scope subscription.Scope, hooks subscription.Hooks) (*Subscription, error) {
	if e.manager == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "push transport is not configured")
	}
	if err := e.manager.Subscribe(scope, hooks); err != nil {
		return nil, toError(err)
	}
	return &Subscription{cancel: func() { e.manager.Unsubscribe(scope) }}, nil
}

// SubscribeMembers streams roster changes for a server. The listener always
// receives the full refreshed slice, never a raw event.
func (e *Engine) SubscribeMembers(serverID string, listener func([]domain.Member)) (*Subscription, error) {
	key := cache.MembersKey{ServerID: serverID}
	scope := subscription.Scope{Table: domain.TableMembers, ServerID: serverID}

	notify := func() {
		if members, ok := e.members.Get(key); ok {
			listener(members)
		}
	}
	hooks := subscription.Hooks{
		Apply: func(ctx context.Context, event domain.Event) {
			if ctx.Err() != nil {
				return
			}
			member, err := event.DecodeMember()
			if err != nil {
				return
			}
			e.members.Update(key, func(members []domain.Member) []domain.Member {
				return applyRow(members, member.ID, member, event.Type,
					func(m domain.Member) string { return m.ID })
			})
			notify()
		},
		Resync: func(ctx context.Context) error {
			members, err := e.client.ListMembers(ctx, serverID)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.members.Set(key, members)
			listener(members)
			return nil
		},
	}
	return e.subscribe(scope, hooks)
}

// SubscribeMessages streams one channel's messages. Inserted events go
// through the optimistic coordinator so a canonical push that races its own
// mutation response never duplicates the provisional record.
func (e *Engine) SubscribeMessages(serverID, channelID string, listener func([]domain.Message)) (*Subscription, error) {
	key := e.headMessagesKey(serverID, channelID)
	scope := subscription.Scope{Table: domain.TableMessages, ServerID: serverID, ChannelID: channelID}

	notify := func() {
		if messages, ok := e.messages.Get(key); ok {
			listener(messages)
		}
	}
	hooks := subscription.Hooks{
		Apply: func(ctx context.Context, event domain.Event) {
			if ctx.Err() != nil {
				return
			}
			message, err := event.DecodeMessage()
			if err != nil {
				return
			}
			if event.Type == domain.EventInsert {
				e.messageCoord.Absorb(key, message)
			} else {
				e.messages.UpdateMatching(func(k cache.MessagesKey) bool {
					return k.InScope(serverID, channelID)
				}, func(messages []domain.Message) []domain.Message {
					return applyRow(messages, message.ID, message, event.Type,
						func(m domain.Message) string { return m.ID })
				})
			}
			notify()
		},
		Resync: func(ctx context.Context) error {
			messages, err := e.client.ListMessages(ctx, serverID, channelID, "", key.PageSize)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.messages.Set(key, messages)
			listener(messages)
			return nil
		},
	}
	return e.subscribe(scope, hooks)
}

// SubscribePosts streams one feed channel's posts. Reaction-aggregate events
// arrive on the same stream and patch the owning post.
func (e *Engine) SubscribePosts(serverID, channelID string, listener func([]domain.Post)) (*Subscription, error) {
	key := cache.PostsKey{ServerID: serverID, ChannelID: channelID}
	scope := subscription.Scope{Table: domain.TablePosts, ServerID: serverID, ChannelID: channelID}

	notify := func() {
		if posts, ok := e.posts.Get(key); ok {
			listener(posts)
		}
	}
	hooks := subscription.Hooks{
		Apply: func(ctx context.Context, event domain.Event) {
			if ctx.Err() != nil {
				return
			}
			switch event.Table {
			case domain.TableReactions:
				reactions, err := event.DecodeReactions()
				if err != nil {
					return
				}
				e.posts.Update(key, func(posts []domain.Post) []domain.Post {
					for i := range posts {
						if posts[i].ID == reactions.PostID {
							posts[i].Reactions = reactions
						}
					}
					return posts
				})
			case domain.TablePosts:
				post, err := event.DecodePost()
				if err != nil {
					return
				}
				switch event.Type {
				case domain.EventInsert:
					e.postCoord.Absorb(key, post)
				default:
					e.posts.Update(key, func(posts []domain.Post) []domain.Post {
						return applyRow(posts, post.ID, post, event.Type,
							func(p domain.Post) string { return p.ID })
					})
				}
			default:
				return
			}
			notify()
		},
		Resync: func(ctx context.Context) error {
			posts, err := e.client.ListPosts(ctx, serverID, channelID)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.posts.Set(key, posts)
			listener(posts)
			return nil
		},
	}
	return e.subscribe(scope, hooks)
}

// applyRow folds one complete event row into a cached slice: update in
// place, append on a new id, drop on delete.
func applyRow[V any](values []V, rowID string, row V, op domain.EventType, idOf func(V) string) []V {
	if op == domain.EventDelete {
		kept := values[:0]
		for _, v := range values {
			if idOf(v) != rowID {
				kept = append(kept, v)
			}
		}
		return kept
	}
	for i := range values {
		if idOf(values[i]) == rowID {
			values[i] = row
			return values
		}
	}
	return append(values, row)
}
