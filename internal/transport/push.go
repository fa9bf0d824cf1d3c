package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/veldt-labs/tokenhall/internal/domain"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
	"github.com/veldt-labs/tokenhall/internal/platform/timeouts"
)

// PushSubscription identifies one logical stream on the push transport. The
// stream id is freshly generated per connection attempt so a reconnect never
// delivers to a stale listener.
type PushSubscription struct {
	StreamID  string       `json:"stream_id"`
	Table     domain.Table `json:"table"`
	ServerID  string       `json:"server_id"`
	ChannelID string       `json:"channel_id,omitempty"`
}

// EventSource yields push events for one subscription until closed.
type EventSource interface {
	// Next blocks until an event arrives or the source fails. Events are
	// validated before being returned.
	Next() (domain.Event, error)
	// Close tears the source down. Closing unblocks a pending Next.
	Close() error
}

// PushConn establishes event sources on the push transport. It is an
// interface so tests and the subscription manager can substitute fakes.
type PushConn interface {
	Subscribe(sub PushSubscription) (EventSource, error)
}

// WSConn dials the push transport over WebSocket, one connection per
// stream, and speaks the subscribe-then-stream framing.
type WSConn struct {
	// URL is the websocket endpoint, e.g. wss://push.example.com/ws.
	URL string
	// Origin is sent in the handshake; defaults to the URL host.
	Origin string
}

type subscribeFrame struct {
	Type         string           `json:"type"`
	Subscription PushSubscription `json:"subscription"`
}

// Subscribe dials the transport and registers the subscription. Delivery is
// best-effort: the caller owns retry and must never treat this stream as the
// sole source of truth.
func (c *WSConn) Subscribe(sub PushSubscription) (EventSource, error) {
	if c == nil || strings.TrimSpace(c.URL) == "" {
		return nil, apperrors.New(apperrors.CodeUnknown, "push transport url is not configured")
	}
	if strings.TrimSpace(sub.StreamID) == "" {
		return nil, apperrors.New(apperrors.CodeInvalid, "stream id is required")
	}

	origin := strings.TrimSpace(c.Origin)
	if origin == "" {
		origin = deriveOrigin(c.URL)
	}
	config, err := websocket.NewConfig(c.URL, origin)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalid, "build push transport config", err)
	}
	config.Dialer = &net.Dialer{Timeout: timeouts.PushDial}

	conn, err := websocket.DialConfig(config)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransient, fmt.Sprintf("dial push transport %s", c.URL), err)
	}

	if err := json.NewEncoder(conn).Encode(subscribeFrame{Type: "subscribe", Subscription: sub}); err != nil {
		_ = conn.Close()
		return nil, apperrors.Wrap(apperrors.CodeTransient, "send subscribe frame", err)
	}

	return &wsEventSource{conn: conn, decoder: json.NewDecoder(conn)}, nil
}

func deriveOrigin(wsURL string) string {
	parsed, err := url.Parse(wsURL)
	if err != nil || parsed.Host == "" {
		return wsURL
	}
	scheme := "https"
	if parsed.Scheme == "ws" {
		scheme = "http"
	}
	return scheme + "://" + parsed.Host
}

type wsEventSource struct {
	conn    *websocket.Conn
	decoder *json.Decoder
}

func (s *wsEventSource) Next() (domain.Event, error) {
	for {
		var event domain.Event
		if err := s.decoder.Decode(&event); err != nil {
			return domain.Event{}, apperrors.Wrap(apperrors.CodeTransient, "read push event", err)
		}
		if err := event.Validate(); err != nil {
			// Malformed rows never reach the cache; skip and keep reading.
			continue
		}
		return event, nil
	}
}

func (s *wsEventSource) Close() error {
	return s.conn.Close()
}
