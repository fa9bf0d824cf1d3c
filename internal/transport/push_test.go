package transport

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/net/websocket"

	"github.com/veldt-labs/tokenhall/internal/domain"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSConnSubscribeAndStream(t *testing.T) {
	server := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		defer conn.Close()

		var frame subscribeFrame
		if err := json.NewDecoder(conn).Decode(&frame); err != nil {
			t.Errorf("decode subscribe frame: %v", err)
			return
		}
		if frame.Type != "subscribe" || frame.Subscription.Table != domain.TableMessages {
			t.Errorf("unexpected subscribe frame: %+v", frame)
			return
		}

		encoder := json.NewEncoder(conn)
		// Malformed event first; readers must skip it.
		encoder.Encode(map[string]any{"type": "insert"})
		encoder.Encode(domain.Event{
			Type:     domain.EventInsert,
			Table:    domain.TableMessages,
			ServerID: "s1",
			Row:      json.RawMessage(`{"id":"m1","channelId":"c1","serverId":"s1","authorId":"u1","content":"hi"}`),
		})
	}))
	defer server.Close()

	conn := &WSConn{URL: wsURL(server)}
	source, err := conn.Subscribe(PushSubscription{
		StreamID: "stream-1",
		Table:    domain.TableMessages,
		ServerID: "s1",
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer source.Close()

	event, err := source.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if event.Type != domain.EventInsert || event.ServerID != "s1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestWSConnCloseUnblocksNext(t *testing.T) {
	server := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		decoder := json.NewDecoder(conn)
		var frame subscribeFrame
		decoder.Decode(&frame)
		// Hold the connection open without sending events until the
		// client hangs up.
		io.Copy(io.Discard, conn)
	}))
	defer server.Close()

	conn := &WSConn{URL: wsURL(server)}
	source, err := conn.Subscribe(PushSubscription{StreamID: "stream-1", Table: domain.TableMembers, ServerID: "s1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := source.Next()
		done <- err
	}()
	if err := source.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-done; apperrors.CodeOf(err) != apperrors.CodeTransient {
		t.Fatalf("next after close = %v, want transient error", err)
	}
}

func TestWSConnDialFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {}))
	server.Close()

	conn := &WSConn{URL: wsURL(server)}
	_, err := conn.Subscribe(PushSubscription{StreamID: "stream-1", Table: domain.TableMembers, ServerID: "s1"})
	if got := apperrors.CodeOf(err); got != apperrors.CodeTransient {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeTransient)
	}
}

func TestWSConnRequiresStreamID(t *testing.T) {
	conn := &WSConn{URL: "ws://localhost:1/push"}
	_, err := conn.Subscribe(PushSubscription{Table: domain.TableMembers, ServerID: "s1"})
	if got := apperrors.CodeOf(err); got != apperrors.CodeInvalid {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeInvalid)
	}
}

func TestDeriveOrigin(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ws://push.example.com/ws", "http://push.example.com"},
		{"wss://push.example.com/ws", "https://push.example.com"},
	}
	for _, tc := range cases {
		if got := deriveOrigin(tc.in); got != tc.want {
			t.Fatalf("deriveOrigin(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
