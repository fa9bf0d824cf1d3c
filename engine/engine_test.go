package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veldt-labs/tokenhall/internal/cache"
	"github.com/veldt-labs/tokenhall/internal/domain"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
	"github.com/veldt-labs/tokenhall/internal/platform/id"
	"github.com/veldt-labs/tokenhall/internal/storage"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, env envelope) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
}

// apiServer is a scriptable stand-in for the mutation/fetch backend.
type apiServer struct {
	t *testing.T

	mu       sync.Mutex
	members  []domain.Member
	messages []domain.Message
	posts    []domain.Post
	failWith int // non-zero fails every mutation with this status
	calls    map[string]int
}

func newAPIServer(t *testing.T) (*apiServer, *httptest.Server) {
	api := &apiServer{t: t, calls: make(map[string]int)}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return api, server
}

func (a *apiServer) setMembers(members []domain.Member) {
	a.mu.Lock()
	a.members = members
	a.mu.Unlock()
}

func (a *apiServer) callCount(route string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[route]
}

func (a *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	route := r.Method + " " + r.URL.Path
	a.calls[route]++

	if a.failWith != 0 && r.Method != http.MethodGet {
		writeEnvelope(a.t, w, a.failWith, envelope{Error: "backend failure"})
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/messages":
		var req struct {
			ChannelID string `json:"channelId"`
			ServerID  string `json:"serverId"`
			Content   string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.t.Errorf("decode send message: %v", err)
			return
		}
		canonical := domain.Message{
			ID:        "canon-" + req.Content,
			ChannelID: req.ChannelID,
			ServerID:  req.ServerID,
			AuthorID:  "u1",
			Content:   req.Content,
			CreatedAt: time.Now().UTC(),
		}
		a.messages = append([]domain.Message{canonical}, a.messages...)
		writeEnvelope(a.t, w, http.StatusOK, envelope{Success: true, Data: canonical})

	case r.Method == http.MethodPost && r.URL.Path == "/servers/join":
		writeEnvelope(a.t, w, http.StatusOK, envelope{Success: true, Data: domain.Membership{
			UserID:   "u1",
			ServerID: "s1",
			Role:     domain.RoleMember,
		}})

	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/members"):
		writeEnvelope(a.t, w, http.StatusOK, envelope{Success: true, Data: a.members})

	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
		writeEnvelope(a.t, w, http.StatusOK, envelope{Success: true, Data: a.messages})

	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/posts"):
		writeEnvelope(a.t, w, http.StatusOK, envelope{Success: true, Data: a.posts})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/like"):
		writeEnvelope(a.t, w, http.StatusOK, envelope{Success: true})

	default:
		writeEnvelope(a.t, w, http.StatusNotFound, envelope{Error: "no such route"})
	}
}

// oracleServer scripts the balance oracle.
func oracleServer(t *testing.T, decimals int, balances map[string]int64) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/tokens/"):
			json.NewEncoder(w).Encode(map[string]any{"decimals": decimals, "name": "Example", "symbol": "EXM"})
		case strings.HasSuffix(r.URL.Path, "/balances"):
			type entry struct {
				Mint    string `json:"mint"`
				Balance int64  `json:"balance"`
			}
			var out []entry
			for mint, balance := range balances {
				out = append(out, entry{Mint: mint, Balance: balance})
			}
			json.NewEncoder(w).Encode(out)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(apiURL string) Config {
	return Config{
		APIBaseURL:  apiURL,
		BearerToken: "token-1",
		Heartbeat:   time.Hour,
		Reconnect:   time.Hour,
		MinTokens:   10_000,
		PercentUnit: 10_000_000,
		PageSize:    50,
	}
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	e, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRefreshBalancesGuest(t *testing.T) {
	_, api := newAPIServer(t)
	oracle := oracleServer(t, 6, map[string]int64{"mint-1": 5_000_000})

	cfg := testConfig(api.URL)
	cfg.OracleURL = oracle.URL
	e := newTestEngine(t, cfg, Deps{})

	if err := e.RefreshBalances(context.Background(), "u1", "wallet-1", "s1", "mint-1"); err != nil {
		t.Fatalf("refresh balances: %v", err)
	}

	membership, err := e.Membership(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if membership.Role != domain.RoleGuest {
		t.Fatalf("role = %q, want guest", membership.Role)
	}

	_, err = e.SendMessage(context.Background(), SendMessageInput{
		ServerID: "s1", ChannelID: "c1", AuthorID: "u1", Content: "hello",
	})
	if got := apperrors.CodeOf(err); got != apperrors.CodeForbidden {
		t.Fatalf("guest write: code = %q, want %q", got, apperrors.CodeForbidden)
	}
}

func TestRefreshBalancesMember(t *testing.T) {
	_, api := newAPIServer(t)
	oracle := oracleServer(t, 6, map[string]int64{"mint-1": 15_000_000_000})

	cfg := testConfig(api.URL)
	cfg.OracleURL = oracle.URL
	e := newTestEngine(t, cfg, Deps{})

	if err := e.RefreshBalances(context.Background(), "u1", "wallet-1", "s1", "mint-1"); err != nil {
		t.Fatalf("refresh balances: %v", err)
	}

	membership, err := e.Membership(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if membership.Role != domain.RoleMember {
		t.Fatalf("role = %q, want member", membership.Role)
	}
	if membership.HoldingPercentage != 0.15 {
		t.Fatalf("holding percentage = %v, want 0.15", membership.HoldingPercentage)
	}
	if membership.TokenBalanceRaw != 15_000_000_000 {
		t.Fatalf("raw balance = %d, want 15000000000", membership.TokenBalanceRaw)
	}
}

func TestRefreshBalancesOracleFailureIsSkipped(t *testing.T) {
	_, api := newAPIServer(t)
	oracle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oracle down", http.StatusInternalServerError)
	}))
	t.Cleanup(oracle.Close)

	cfg := testConfig(api.URL)
	cfg.OracleURL = oracle.URL
	e := newTestEngine(t, cfg, Deps{})

	if err := e.RefreshBalances(context.Background(), "u1", "wallet-1", "s1", "mint-1"); err != nil {
		t.Fatalf("oracle failure must not surface: %v", err)
	}
	if _, err := e.Membership(context.Background(), "u1", "s1"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("membership after skipped refresh: %v", err)
	}
}

func TestLoadMembersIsCacheFirst(t *testing.T) {
	api, server := newAPIServer(t)
	api.setMembers([]domain.Member{{ID: "u1", Status: domain.PresenceOnline}})

	e := newTestEngine(t, testConfig(server.URL), Deps{})

	for i := 0; i < 3; i++ {
		members, err := e.LoadMembers(context.Background(), "s1")
		if err != nil {
			t.Fatalf("load members: %v", err)
		}
		if len(members) != 1 || members[0].ID != "u1" {
			t.Fatalf("unexpected members: %+v", members)
		}
	}
	if got := api.callCount("GET /servers/s1/members"); got != 1 {
		t.Fatalf("backend calls = %d, want 1 (cache-first)", got)
	}
}

func TestSendMessageOptimisticRoundTrip(t *testing.T) {
	_, server := newAPIServer(t)
	e := newTestEngine(t, testConfig(server.URL), Deps{})

	canonical, err := e.SendMessage(context.Background(), SendMessageInput{
		ServerID: "s1", ChannelID: "c1", AuthorID: "u1", Content: "hello",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if id.IsProvisional(canonical.ID) {
		t.Fatalf("returned id %q is still provisional", canonical.ID)
	}

	cached, ok := e.messages.Get(e.headMessagesKey("s1", "c1"))
	if !ok || len(cached) != 1 {
		t.Fatalf("cache = %+v, want exactly one message", cached)
	}
	if cached[0].ID != canonical.ID {
		t.Fatalf("cached id = %q, want canonical %q", cached[0].ID, canonical.ID)
	}
}

func TestSendMessageFailureRollsBack(t *testing.T) {
	api, server := newAPIServer(t)
	api.failWith = http.StatusInternalServerError

	e := newTestEngine(t, testConfig(server.URL), Deps{})

	_, err := e.SendMessage(context.Background(), SendMessageInput{
		ServerID: "s1", ChannelID: "c1", AuthorID: "u1", Content: "hello",
	})
	if got := apperrors.CodeOf(err); got != apperrors.CodeTransient {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeTransient)
	}

	if cached, ok := e.messages.Get(e.headMessagesKey("s1", "c1")); ok && len(cached) != 0 {
		t.Fatalf("provisional record survived a failed commit: %+v", cached)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	_, server := newAPIServer(t)

	cfg := testConfig(server.URL)
	cfg.SpamMaxMessages = 1
	cfg.SpamWindow = 10 * time.Second
	cfg.SpamCooldown = 30 * time.Second
	e := newTestEngine(t, cfg, Deps{})

	if _, err := e.SendMessage(context.Background(), SendMessageInput{
		ServerID: "s1", ChannelID: "c1", AuthorID: "u1", Content: "first",
	}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	_, err := e.SendMessage(context.Background(), SendMessageInput{
		ServerID: "s1", ChannelID: "c1", AuthorID: "u1", Content: "second",
	})
	if got := apperrors.CodeOf(err); got != apperrors.CodeRateLimited {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeRateLimited)
	}

	// A denied message never appears locally.
	cached, _ := e.messages.Get(e.headMessagesKey("s1", "c1"))
	for _, m := range cached {
		if m.Content == "second" {
			t.Fatal("denied message was cached")
		}
	}
}

func TestToggleLikeRollbackRestoresSnapshot(t *testing.T) {
	api, server := newAPIServer(t)
	api.failWith = http.StatusInternalServerError

	e := newTestEngine(t, testConfig(server.URL), Deps{})

	key := cache.PostsKey{ServerID: "s1", ChannelID: "c1"}
	before := domain.Post{
		ID: "p1", ChannelID: "c1", ServerID: "s1", AuthorID: "u2",
		Reactions: domain.Reactions{PostID: "p1", Likes: 7, UserLiked: false},
	}
	e.posts.Set(key, []domain.Post{before})

	err := e.ToggleLike(context.Background(), "s1", "c1", "p1")
	if got := apperrors.CodeOf(err); got != apperrors.CodeTransient {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeTransient)
	}

	after, _ := e.posts.Get(key)
	if len(after) != 1 || after[0].Reactions != before.Reactions {
		t.Fatalf("reactions = %+v, want exact pre-toggle snapshot %+v", after[0].Reactions, before.Reactions)
	}
}

func TestJoinServerInvalidatesRoster(t *testing.T) {
	api, server := newAPIServer(t)
	api.setMembers([]domain.Member{{ID: "u2", Status: domain.PresenceOnline}})

	e := newTestEngine(t, testConfig(server.URL), Deps{})

	if _, err := e.LoadMembers(context.Background(), "s1"); err != nil {
		t.Fatalf("warm roster: %v", err)
	}

	membership, err := e.JoinServer(context.Background(), "mint-1", "wallet-1")
	if err != nil {
		t.Fatalf("join server: %v", err)
	}
	if membership.Role != domain.RoleMember {
		t.Fatalf("role = %q, want member", membership.Role)
	}

	if _, err := e.LoadMembers(context.Background(), "s1"); err != nil {
		t.Fatalf("reload roster: %v", err)
	}
	if got := api.callCount("GET /servers/s1/members"); got != 2 {
		t.Fatalf("roster fetches = %d, want 2 (join invalidates)", got)
	}
}

type fakeMembershipStore struct {
	mu      sync.Mutex
	records map[string]storage.MembershipRecord
	closed  bool
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{records: make(map[string]storage.MembershipRecord)}
}

func (s *fakeMembershipStore) PutMembership(_ context.Context, record storage.MembershipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.UserID+"/"+record.ServerID] = record
	return nil
}

func (s *fakeMembershipStore) GetMembership(_ context.Context, userID, serverID string) (storage.MembershipRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[userID+"/"+serverID]
	if !ok {
		return storage.MembershipRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeMembershipStore) ListMembershipsByServer(_ context.Context, serverID string) ([]storage.MembershipRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.MembershipRecord
	for _, record := range s.records {
		if record.ServerID == serverID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *fakeMembershipStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestMembershipFallsBackToStore(t *testing.T) {
	_, server := newAPIServer(t)

	store := newFakeMembershipStore()
	verified := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)
	store.PutMembership(context.Background(), storage.MembershipRecord{
		UserID: "u1", ServerID: "s1", Role: domain.RoleMember,
		TokenBalanceRaw: 15_000_000_000, HoldingPercentage: 0.15, LastVerifiedAt: verified,
	})

	e := newTestEngine(t, testConfig(server.URL), Deps{Memberships: store})

	membership, err := e.Membership(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if membership.Role != domain.RoleMember || !membership.LastVerifiedAt.Equal(verified) {
		t.Fatalf("unexpected membership: %+v", membership)
	}
}

func TestCloseClosesStore(t *testing.T) {
	_, server := newAPIServer(t)
	store := newFakeMembershipStore()

	e := newTestEngine(t, testConfig(server.URL), Deps{Memberships: store})
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !store.closed {
		t.Fatal("membership store was not closed")
	}
}

func TestAsResult(t *testing.T) {
	ok := AsResult([]string{"a"}, nil)
	if !ok.Success || ok.Code != "" {
		t.Fatalf("success result = %+v", ok)
	}

	failed := AsResult(nil, apperrors.New(apperrors.CodeForbidden, "insufficient token balance"))
	if failed.Success {
		t.Fatal("failure result marked success")
	}
	if failed.Code != apperrors.CodeForbidden || failed.Error != "insufficient token balance" {
		t.Fatalf("failure result = %+v", failed)
	}
}
