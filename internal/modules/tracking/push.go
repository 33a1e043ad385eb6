// README: Push path; joins an order room over the WebSocket and applies events.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"
)

// ErrPushClosed is returned when the server ends the socket.
var ErrPushClosed = errors.New("push connection closed")

type PushSource struct {
	baseURL string
	token   string
}

// NewPushSource connects to baseURL's /ws endpoint; baseURL is the HTTP URL
// of the API server.
func NewPushSource(baseURL, token string) *PushSource {
	return &PushSource{baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

func (p *PushSource) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(p.baseURL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, p.baseURL)
	if err != nil {
		return nil, err
	}
	if p.token != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+p.token)
	}
	return cfg.DialContext(ctx)
}

// Run joins the room of rec's order and merges the joined snapshot and every
// event until ctx is done, the order reaches a terminal status, or the
// connection drops. onChange may be nil.
func (p *PushSource) Run(ctx context.Context, rec *Reconciler, onChange func(Snapshot)) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial push: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	state, _ := rec.State()
	join, err := json.Marshal(JoinPayload{OrderID: state.OrderID})
	if err != nil {
		return err
	}
	if err := json.NewEncoder(conn).Encode(Frame{Type: FrameJoin, RequestID: "join-" + string(state.OrderID), Payload: join}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	emit := func(changed bool) {
		if changed && onChange != nil {
			cur, _ := rec.State()
			onChange(cur)
		}
	}
	dec := json.NewDecoder(conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrPushClosed
			}
			return fmt.Errorf("read push: %w", err)
		}
		switch {
		case f.Type == FrameJoined:
			var snap Snapshot
			if err := json.Unmarshal(f.Payload, &snap); err != nil {
				return fmt.Errorf("decode joined snapshot: %w", err)
			}
			emit(rec.ApplySnapshot(snap))
		case f.Type == FrameError:
			var e ErrorPayload
			_ = json.Unmarshal(f.Payload, &e)
			return &APIError{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
		case IsEvent(f):
			env, err := ParseEnvelope(f)
			if err != nil {
				return err
			}
			if env.OrderID != state.OrderID {
				continue
			}
			changed, err := rec.ApplyEvent(env)
			if err != nil {
				return err
			}
			emit(changed)
		}
		if terminal(rec) {
			return nil
		}
	}
}

