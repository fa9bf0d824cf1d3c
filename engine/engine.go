// Package engine is the synchronization facade a UI surface embeds: cached
// reads, spam-guarded optimistic mutations, push subscriptions with a
// heartbeat fallback, and token-balance-derived access control. It is the
// only package the host imports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/veldt-labs/tokenhall/internal/access"
	"github.com/veldt-labs/tokenhall/internal/cache"
	"github.com/veldt-labs/tokenhall/internal/domain"
	"github.com/veldt-labs/tokenhall/internal/optimistic"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
	"github.com/veldt-labs/tokenhall/internal/spamguard"
	"github.com/veldt-labs/tokenhall/internal/storage"
	"github.com/veldt-labs/tokenhall/internal/storage/sqlite"
	"github.com/veldt-labs/tokenhall/internal/subscription"
	"github.com/veldt-labs/tokenhall/internal/transport"
)

// originWindow bounds the timestamp proximity used to match a pushed
// canonical record against a provisional one for the same mutation.
const originWindow = 10 * time.Second

// Deps are the collaborators the engine talks to. Nil fields are built from
// Config; tests inject fakes.
type Deps struct {
	Client      *transport.Client
	Oracle      *transport.Oracle
	Push        transport.PushConn
	Memberships storage.MembershipStore
}

// Engine composes the cache, coordinators, spam guard, subscription manager,
// and transports behind one facade. All methods are safe for concurrent use.
type Engine struct {
	cfg    Config
	client *transport.Client
	oracle *transport.Oracle
	policy access.Policy
	guard  *spamguard.Guard
	tracer trace.Tracer
	clock  func() time.Time

	members  *cache.Store[cache.MembersKey, domain.Member]
	channels *cache.Store[cache.ChannelsKey, domain.Channel]
	messages *cache.Store[cache.MessagesKey, domain.Message]
	posts    *cache.Store[cache.PostsKey, domain.Post]

	messageCoord *optimistic.Coordinator[cache.MessagesKey, domain.Message]
	postCoord    *optimistic.Coordinator[cache.PostsKey, domain.Post]

	manager *subscription.Manager

	store storage.MembershipStore

	mu          sync.Mutex
	memberships map[string]domain.Membership
}

// New builds an engine from cfg, constructing any collaborator deps leaves
// nil. The engine owns the membership store and closes it on Close.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	client := deps.Client
	if client == nil {
		client = transport.NewClient(cfg.APIBaseURL, cfg.BearerToken)
	}
	oracle := deps.Oracle
	if oracle == nil && strings.TrimSpace(cfg.OracleURL) != "" {
		oracle = transport.NewOracle(cfg.OracleURL)
	}
	push := deps.Push
	if push == nil && strings.TrimSpace(cfg.PushURL) != "" {
		push = &transport.WSConn{URL: cfg.PushURL}
	}
	store := deps.Memberships
	if store == nil && strings.TrimSpace(cfg.MembershipDBPath) != "" {
		opened, err := sqlite.Open(cfg.MembershipDBPath)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, "open membership store", err)
		}
		store = opened
	}

	e := &Engine{
		cfg:    cfg,
		client: client,
		oracle: oracle,
		policy: access.Policy{MinTokens: cfg.MinTokens, PercentUnit: cfg.PercentUnit},
		guard: spamguard.New(spamguard.Config{
			MaxMessages:     cfg.SpamMaxMessages,
			Window:          cfg.SpamWindow,
			Cooldown:        cfg.SpamCooldown,
			DuplicateWindow: cfg.SpamDuplicateWindow,
		}),
		tracer:      otel.Tracer("tokenhall/engine"),
		clock:       time.Now,
		members:     cache.New[cache.MembersKey, domain.Member](),
		channels:    cache.New[cache.ChannelsKey, domain.Channel](),
		messages:    cache.New[cache.MessagesKey, domain.Message](),
		posts:       cache.New[cache.PostsKey, domain.Post](),
		store:       store,
		memberships: make(map[string]domain.Membership),
	}
	e.messageCoord = optimistic.New(e.messages, messageIdentity())
	e.postCoord = optimistic.New(e.posts, postIdentity())

	if push != nil {
		e.manager = subscription.NewManager(push)
		e.manager.SetIntervals(cfg.Heartbeat, cfg.Reconnect)
	}
	return e, nil
}

// SetClock overrides the engine clock for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
		e.guard.SetClock(clock)
		e.client.SetClock(clock)
	}
}

// Close tears down every push stream and the membership store.
func (e *Engine) Close() error {
	if e.manager != nil {
		e.manager.Close()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func messageIdentity() optimistic.Identity[domain.Message] {
	return optimistic.Identity[domain.Message]{
		ID:     func(m domain.Message) string { return m.ID },
		WithID: func(m domain.Message, id string) domain.Message { m.ID = id; return m },
		SameOrigin: func(provisional, candidate domain.Message) bool {
			return provisional.AuthorID == candidate.AuthorID &&
				provisional.ChannelID == candidate.ChannelID &&
				provisional.Content == candidate.Content &&
				within(provisional.CreatedAt, candidate.CreatedAt, originWindow)
		},
	}
}

func postIdentity() optimistic.Identity[domain.Post] {
	return optimistic.Identity[domain.Post]{
		ID:     func(p domain.Post) string { return p.ID },
		WithID: func(p domain.Post, id string) domain.Post { p.ID = id; return p },
		SameOrigin: func(provisional, candidate domain.Post) bool {
			return provisional.AuthorID == candidate.AuthorID &&
				provisional.ChannelID == candidate.ChannelID &&
				provisional.Content == candidate.Content &&
				within(provisional.CreatedAt, candidate.CreatedAt, originWindow)
		},
	}
}

func within(a, b time.Time, window time.Duration) bool {
	delta := b.Sub(a)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

// headMessagesKey is the cache slot new messages land in: the first page of
// the channel at the engine's page size.
func (e *Engine) headMessagesKey(serverID, channelID string) cache.MessagesKey {
	return cache.MessagesKey{ServerID: serverID, ChannelID: channelID, PageSize: e.cfg.PageSize}
}

// LoadMembers returns the member roster for a server, cache-first.
func (e *Engine) LoadMembers(ctx context.Context, serverID string) ([]domain.Member, error) {
	ctx, span := e.tracer.Start(ctx, "engine.LoadMembers")
	defer span.End()

	key := cache.MembersKey{ServerID: serverID}
	if members, ok := e.members.Get(key); ok {
		return members, nil
	}
	members, err := e.client.ListMembers(ctx, serverID)
	if err != nil {
		return nil, toError(err)
	}
	e.members.Set(key, members)
	return members, nil
}

// LoadChannels returns the channel list for a server, cache-first. Channels
// are static per server, so the cache is filled once and only flushed on an
// explicit invalidation.
func (e *Engine) LoadChannels(ctx context.Context, serverID string) ([]domain.Channel, error) {
	ctx, span := e.tracer.Start(ctx, "engine.LoadChannels")
	defer span.End()

	key := cache.ChannelsKey{ServerID: serverID}
	if channels, ok := e.channels.Get(key); ok {
		return channels, nil
	}
	channels, err := e.client.ListChannels(ctx, serverID)
	if err != nil {
		return nil, toError(err)
	}
	e.channels.Set(key, channels)
	return channels, nil
}

// LoadMessages returns one page of a channel's messages, cache-first. A zero
// pageSize uses the engine default.
func (e *Engine) LoadMessages(ctx context.Context, serverID, channelID, cursor string, pageSize int) ([]domain.Message, error) {
	ctx, span := e.tracer.Start(ctx, "engine.LoadMessages")
	defer span.End()

	if pageSize <= 0 {
		pageSize = e.cfg.PageSize
	}
	key := cache.MessagesKey{ServerID: serverID, ChannelID: channelID, Cursor: cursor, PageSize: pageSize}
	if messages, ok := e.messages.Get(key); ok {
		return messages, nil
	}
	messages, err := e.client.ListMessages(ctx, serverID, channelID, cursor, pageSize)
	if err != nil {
		return nil, toError(err)
	}
	e.messages.Set(key, messages)
	return messages, nil
}

// LoadPosts returns the feed of a channel, cache-first.
func (e *Engine) LoadPosts(ctx context.Context, serverID, channelID string) ([]domain.Post, error) {
	ctx, span := e.tracer.Start(ctx, "engine.LoadPosts")
	defer span.End()

	key := cache.PostsKey{ServerID: serverID, ChannelID: channelID}
	if posts, ok := e.posts.Get(key); ok {
		return posts, nil
	}
	posts, err := e.client.ListPosts(ctx, serverID, channelID)
	if err != nil {
		return nil, toError(err)
	}
	e.posts.Set(key, posts)
	return posts, nil
}

// SendMessageInput is one outbound chat message.
type SendMessageInput struct {
	ServerID    string
	ChannelID   string
	AuthorID    string
	Content     string
	Attachments []string
	ReplyTo     string
}

// SendMessage runs the full optimistic write path: access check, spam guard,
// provisional insert, submit, reconcile. The returned message carries the
// canonical id; on failure the provisional record is already rolled back.
func (e *Engine) SendMessage(ctx context.Context, input SendMessageInput) (domain.Message, error) {
	ctx, span := e.tracer.Start(ctx, "engine.SendMessage")
	defer span.End()

	if err := e.checkWrite(ctx, input.AuthorID, input.ServerID, input.Content); err != nil {
		return domain.Message{}, err
	}

	key := e.headMessagesKey(input.ServerID, input.ChannelID)
	provisional, err := e.messageCoord.CreateOptimistic(key, domain.Message{
		ChannelID:   input.ChannelID,
		ServerID:    input.ServerID,
		AuthorID:    input.AuthorID,
		Content:     input.Content,
		Attachments: input.Attachments,
		ReplyTo:     input.ReplyTo,
		CreatedAt:   e.clock(),
	})
	if err != nil {
		return domain.Message{}, toError(err)
	}

	canonical, err := e.messageCoord.Commit(ctx, key, provisional.ID, func(ctx context.Context) (domain.Message, error) {
		return e.client.SendMessage(ctx, transport.SendMessageRequest{
			ChannelID:   input.ChannelID,
			ServerID:    input.ServerID,
			Content:     input.Content,
			Attachments: input.Attachments,
			ReplyTo:     input.ReplyTo,
		})
	})
	if err != nil {
		return domain.Message{}, toError(err)
	}
	return canonical, nil
}

// CreatePostInput is one outbound feed post.
type CreatePostInput struct {
	ServerID    string
	ChannelID   string
	AuthorID    string
	Content     string
	Attachments []string
}

// CreatePost runs the optimistic write path for feed posts.
func (e *Engine) CreatePost(ctx context.Context, input CreatePostInput) (domain.Post, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreatePost")
	defer span.End()

	if err := e.checkWrite(ctx, input.AuthorID, input.ServerID, input.Content); err != nil {
		return domain.Post{}, err
	}

	key := cache.PostsKey{ServerID: input.ServerID, ChannelID: input.ChannelID}
	provisional, err := e.postCoord.CreateOptimistic(key, domain.Post{
		ChannelID:   input.ChannelID,
		ServerID:    input.ServerID,
		AuthorID:    input.AuthorID,
		Content:     input.Content,
		Attachments: input.Attachments,
		CreatedAt:   e.clock(),
	})
	if err != nil {
		return domain.Post{}, toError(err)
	}

	canonical, err := e.postCoord.Commit(ctx, key, provisional.ID, func(ctx context.Context) (domain.Post, error) {
		return e.client.CreatePost(ctx, transport.CreatePostRequest{
			ChannelID:   input.ChannelID,
			ServerID:    input.ServerID,
			Content:     input.Content,
			Attachments: input.Attachments,
		})
	})
	if err != nil {
		return domain.Post{}, toError(err)
	}
	return canonical, nil
}

// EditMessage submits an edit and patches every cached page holding the
// message. Edits are writes: the same access and spam checks apply.
func (e *Engine) EditMessage(ctx context.Context, serverID, channelID, messageID, authorID, content string) (domain.Message, error) {
	ctx, span := e.tracer.Start(ctx, "engine.EditMessage")
	defer span.End()

	if err := e.checkWrite(ctx, authorID, serverID, content); err != nil {
		return domain.Message{}, err
	}

	edited, err := e.client.EditMessage(ctx, messageID, content)
	if err != nil {
		return domain.Message{}, toError(err)
	}
	e.messages.UpdateMatching(func(k cache.MessagesKey) bool {
		return k.InScope(serverID, channelID)
	}, func(values []domain.Message) []domain.Message {
		for i := range values {
			if values[i].ID == edited.ID {
				values[i] = edited
			}
		}
		return values
	})
	return edited, nil
}

// DeleteMessage submits a delete and drops the message from every cached
// page in scope.
func (e *Engine) DeleteMessage(ctx context.Context, serverID, channelID, messageID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.DeleteMessage")
	defer span.End()

	if err := e.client.DeleteMessage(ctx, messageID); err != nil {
		return toError(err)
	}
	e.messages.UpdateMatching(func(k cache.MessagesKey) bool {
		return k.InScope(serverID, channelID)
	}, func(values []domain.Message) []domain.Message {
		kept := values[:0]
		for _, m := range values {
			if m.ID != messageID {
				kept = append(kept, m)
			}
		}
		return kept
	})
	return nil
}

// ToggleLike flips the like flag and counter optimistically; failure
// restores the exact pre-toggle aggregate.
func (e *Engine) ToggleLike(ctx context.Context, serverID, channelID, postID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ToggleLike")
	defer span.End()

	key := cache.PostsKey{ServerID: serverID, ChannelID: channelID}
	err := optimistic.Toggle(ctx, e.posts, key,
		func(p domain.Post) bool { return p.ID == postID },
		func(p domain.Post) domain.Post {
			if p.Reactions.UserLiked {
				p.Reactions.Likes--
			} else {
				p.Reactions.Likes++
			}
			p.Reactions.UserLiked = !p.Reactions.UserLiked
			return p
		},
		func(ctx context.Context) error { return e.client.ToggleLike(ctx, postID) },
	)
	return toError(err)
}

// ToggleRetweet is ToggleLike for the retweet aggregate.
func (e *Engine) ToggleRetweet(ctx context.Context, serverID, channelID, postID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ToggleRetweet")
	defer span.End()

	key := cache.PostsKey{ServerID: serverID, ChannelID: channelID}
	err := optimistic.Toggle(ctx, e.posts, key,
		func(p domain.Post) bool { return p.ID == postID },
		func(p domain.Post) domain.Post {
			if p.Reactions.UserRetweeted {
				p.Reactions.Retweets--
			} else {
				p.Reactions.Retweets++
			}
			p.Reactions.UserRetweeted = !p.Reactions.UserRetweeted
			return p
		},
		func(ctx context.Context) error { return e.client.ToggleRetweet(ctx, postID) },
	)
	return toError(err)
}

// JoinServer submits a join request, records the resulting membership, and
// invalidates the server's cached roster.
func (e *Engine) JoinServer(ctx context.Context, tokenCA, walletAddress string) (domain.Membership, error) {
	ctx, span := e.tracer.Start(ctx, "engine.JoinServer")
	defer span.End()

	membership, err := e.client.JoinServer(ctx, transport.JoinServerRequest{
		TokenCA:       tokenCA,
		WalletAddress: walletAddress,
	})
	if err != nil {
		return domain.Membership{}, toError(err)
	}
	e.putMembership(ctx, membership)
	e.members.Invalidate(cache.MembersKey{ServerID: membership.ServerID})
	return membership, nil
}

// RefreshBalances re-reads the wallet from the oracle, re-evaluates the role
// for serverID's gating token, persists the result, and invalidates the
// cached roster. Oracle failures skip the cycle; they are logged, never
// fatal.
func (e *Engine) RefreshBalances(ctx context.Context, userID, walletAddress, serverID, tokenCA string) error {
	ctx, span := e.tracer.Start(ctx, "engine.RefreshBalances")
	defer span.End()

	if e.oracle == nil {
		return apperrors.New(apperrors.CodeUnknown, "balance oracle is not configured")
	}

	token, err := e.oracle.TokenData(ctx, tokenCA)
	if err != nil {
		log.Printf("engine: balance refresh skipped user=%q server=%q err=%v", userID, serverID, err)
		return nil
	}
	balances, err := e.oracle.WalletBalances(ctx, walletAddress)
	if err != nil {
		log.Printf("engine: balance refresh skipped user=%q server=%q err=%v", userID, serverID, err)
		return nil
	}

	var raw int64
	for _, balance := range balances {
		if balance.Mint == tokenCA {
			raw = balance.Balance
			break
		}
	}

	eval := access.Evaluate(raw, token.Decimals, e.policy)
	e.putMembership(ctx, domain.Membership{
		UserID:            userID,
		ServerID:          serverID,
		Role:              eval.Role,
		TokenBalanceRaw:   raw,
		HoldingPercentage: eval.HoldingPercentage,
		LastVerifiedAt:    e.clock(),
	})
	e.members.Invalidate(cache.MembersKey{ServerID: serverID})
	return nil
}

// Membership returns the last verified standing for a user on a server,
// falling back to the persistent store so a restarted process sees the last
// verified role before the first oracle round-trip.
func (e *Engine) Membership(ctx context.Context, userID, serverID string) (domain.Membership, error) {
	e.mu.Lock()
	membership, ok := e.memberships[membershipKey(userID, serverID)]
	e.mu.Unlock()
	if ok {
		return membership, nil
	}

	if e.store != nil {
		record, err := e.store.GetMembership(ctx, userID, serverID)
		if err == nil {
			membership = domain.Membership{
				UserID:            record.UserID,
				ServerID:          record.ServerID,
				Role:              record.Role,
				TokenBalanceRaw:   record.TokenBalanceRaw,
				HoldingPercentage: record.HoldingPercentage,
				LastVerifiedAt:    record.LastVerifiedAt,
			}
			e.mu.Lock()
			e.memberships[membershipKey(userID, serverID)] = membership
			e.mu.Unlock()
			return membership, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return domain.Membership{}, toError(err)
		}
	}
	return domain.Membership{}, apperrors.New(apperrors.CodeNotFound, "membership not verified yet")
}

// checkWrite gates every outbound write: known guests are refused before a
// provisional record exists, then the spam guard rules on frequency and
// repetition.
func (e *Engine) checkWrite(ctx context.Context, authorID, serverID, content string) error {
	membership, err := e.Membership(ctx, authorID, serverID)
	if err == nil && membership.Role == domain.RoleGuest {
		return apperrors.New(apperrors.CodeForbidden, "insufficient token balance to write")
	}

	verdict := e.guard.Check(authorID, content)
	if !verdict.Allowed {
		return apperrors.WithMetadata(apperrors.CodeRateLimited, verdict.Reason, map[string]string{
			"cooldown_remaining": verdict.CooldownRemaining.String(),
		})
	}
	e.guard.Record(authorID, content)
	return nil
}

func (e *Engine) putMembership(ctx context.Context, membership domain.Membership) {
	e.mu.Lock()
	e.memberships[membershipKey(membership.UserID, membership.ServerID)] = membership
	e.mu.Unlock()

	if e.store == nil {
		return
	}
	err := e.store.PutMembership(ctx, storage.MembershipRecord{
		UserID:            membership.UserID,
		ServerID:          membership.ServerID,
		Role:              membership.Role,
		TokenBalanceRaw:   membership.TokenBalanceRaw,
		HoldingPercentage: membership.HoldingPercentage,
		LastVerifiedAt:    membership.LastVerifiedAt,
	})
	if err != nil {
		log.Printf("engine: persist membership failed user=%q server=%q err=%v", membership.UserID, membership.ServerID, err)
	}
}

func membershipKey(userID, serverID string) string {
	return fmt.Sprintf("%s/%s", userID, serverID)
}

// toError normalizes any failure to the engine's error type so nothing
// untyped escapes the facade boundary.
func toError(err error) error {
	if err == nil {
		return nil
	}
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	return apperrors.Wrap(apperrors.CodeUnknown, err.Error(), err)
}
