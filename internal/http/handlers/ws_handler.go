// README: Room socket; order.join/order.leave subscriptions and location.emit over one WebSocket.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/websocket"

	"trackline/internal/http/middleware"
	"trackline/internal/modules/location"
	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/modules/tracking"
	"trackline/internal/types"
)

const maxFramePayloadBytes = 4 << 10

type WSHandler struct {
	hub    *notify.Hub
	relay  *location.Relay
	reader snapshotReader
	seq    atomic.Uint64
}

func NewWSHandler(hub *notify.Hub, orders *order.Service, relay *location.Relay) *WSHandler {
	return &WSHandler{hub: hub, relay: relay, reader: snapshotReader{orders: orders, relay: relay}}
}

// Serve upgrades an authenticated request.
func (h *WSHandler) Serve(c *gin.Context) {
	actor := middleware.Actor(c)
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveConn(conn, actor)
	}).ServeHTTP(c.Writer, c.Request)
}

// wsPeer is the hub's Sender for one socket. Replies and room events share
// the encoder, so writes are serialized.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
	enc  *json.Encoder
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, enc: json.NewEncoder(conn)}
}

func (p *wsPeer) writeFrame(deadline time.Time, f tracking.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(deadline)
	return p.enc.Encode(f)
}

func (p *wsPeer) Send(ctx context.Context, ev notify.Event) error {
	f, err := tracking.EventFrame(ev)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	return p.writeFrame(deadline, f)
}

func (p *wsPeer) Close() error {
	return p.conn.Close()
}

func (p *wsPeer) reply(typ, requestID string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Error("ws: marshal reply", "type", typ, "error", err)
		return
	}
	if err := p.writeFrame(time.Now().Add(5*time.Second), tracking.Frame{Type: typ, RequestID: requestID, Payload: b}); err != nil {
		slog.Debug("ws: write reply", "type", typ, "error", err)
	}
}

func (p *wsPeer) replyError(requestID string, err error) {
	e := classify(err)
	msg := err.Error()
	if e.status >= 500 {
		msg = "service unavailable"
	}
	p.reply(tracking.FrameError, requestID, tracking.ErrorPayload{Code: e.code, Message: msg, Retryable: e.retryable})
}

func (p *wsPeer) replyInvalid(requestID, msg string) {
	p.reply(tracking.FrameError, requestID, tracking.ErrorPayload{Code: "invalid_argument", Message: msg})
}

func (h *WSHandler) serveConn(conn *websocket.Conn, actor order.Actor) {
	defer conn.Close()
	ctx := conn.Request().Context()

	id := notify.ConnID(fmt.Sprintf("ws-%d", h.seq.Add(1)))
	peer := newWSPeer(conn)
	if err := h.hub.Connect(id, peer); err != nil {
		peer.replyError("", err)
		return
	}
	defer h.hub.Disconnect(id)
	slog.Debug("ws: connected", "conn_id", id, "uid", actor.ID, "role", actor.Role)

	dec := json.NewDecoder(conn)
	for {
		var f tracking.Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				// the decoder cannot resync after bad input
				peer.replyInvalid("", "invalid frame")
			}
			return
		}
		if len(f.Payload) > maxFramePayloadBytes {
			peer.replyInvalid(f.RequestID, "payload too large")
			continue
		}

		switch f.Type {
		case tracking.FrameJoin:
			h.join(ctx, id, peer, actor, f)
		case tracking.FrameLeave:
			var p tracking.JoinPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil || p.OrderID == "" {
				peer.replyInvalid(f.RequestID, "order_id is required")
				continue
			}
			h.hub.Leave(id, p.OrderID)
			peer.reply(tracking.FrameLeft, f.RequestID, p)
		case tracking.FrameEmitLocation:
			h.emit(ctx, peer, actor, f)
		default:
			peer.replyInvalid(f.RequestID, "unsupported frame type")
		}
	}
}

// join subscribes first and reads the snapshot second, so no event between
// the two is lost; the client's merge rule drops anything older.
func (h *WSHandler) join(ctx context.Context, id notify.ConnID, peer *wsPeer, actor order.Actor, f tracking.Frame) {
	var p tracking.JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.OrderID == "" {
		peer.replyInvalid(f.RequestID, "order_id is required")
		return
	}
	if _, err := h.reader.read(ctx, actor, p.OrderID); err != nil {
		peer.replyError(f.RequestID, err)
		return
	}
	if err := h.hub.Join(id, p.OrderID); err != nil {
		peer.replyError(f.RequestID, err)
		return
	}
	snap, err := h.reader.read(ctx, actor, p.OrderID)
	if err != nil {
		h.hub.Leave(id, p.OrderID)
		peer.replyError(f.RequestID, err)
		return
	}
	peer.reply(tracking.FrameJoined, f.RequestID, snap)
}

func (h *WSHandler) emit(ctx context.Context, peer *wsPeer, actor order.Actor, f tracking.Frame) {
	if actor.Role != order.RoleDriver {
		peer.replyError(f.RequestID, order.ErrForbidden)
		return
	}
	var p tracking.EmitPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.OrderID == "" {
		peer.replyInvalid(f.RequestID, "invalid location payload")
		return
	}
	accepted, err := h.relay.Submit(ctx, actor.ID, location.Sample{
		OrderID:    p.OrderID,
		Position:   types.Point{Lat: p.Lat, Lng: p.Lng},
		Bearing:    p.Bearing,
		CapturedAt: p.CapturedAt,
	})
	if err != nil {
		peer.replyError(f.RequestID, err)
		return
	}
	peer.reply(tracking.FrameLocationAck, f.RequestID, tracking.AckPayload{OrderID: p.OrderID, Accepted: accepted})
}
