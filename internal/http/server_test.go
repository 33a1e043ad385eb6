// README: End-to-end tests over a real listener: webhook, driver flow, room socket and follower.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/websocket"

	"trackline/internal/infra"
	"trackline/internal/modules/location"
	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/modules/payment"
	"trackline/internal/modules/tracking"
	"trackline/internal/types"
)

const testSecret = "whsec_e2e"

// roleVerifier accepts tokens of the form "<role>:<uid>".
type roleVerifier struct{}

func (roleVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	role, uid, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, errors.New("bad token")
	}
	return &infra.FirebaseToken{UID: uid, Claims: map[string]interface{}{"role": role}}, nil
}

type e2e struct {
	srv   *httptest.Server
	store *order.MemoryStore
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := notify.NewHub(notify.Config{QueueSize: 64, SendTimeout: time.Second})
	store := order.NewMemoryStore()
	orders := order.NewService(store, hub)
	relay := location.NewRelay(location.NewMemoryStore(), orders, hub, location.Config{StaleAfter: time.Minute})
	orders.SetDeliveryListener(relay)

	srv := httptest.NewServer(NewRouter(ServerDeps{
		Order:    orders,
		Relay:    relay,
		Hub:      hub,
		Bridge:   payment.NewBridge(testSecret, orders, payment.NewMemoryStore()),
		Verifier: roleVerifier{},
		Gatherer: prometheus.NewRegistry(),
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		relay.Close()
	})

	now := time.Now().UTC()
	if err := store.Create(context.Background(), &order.Order{
		ID: "ord_1", CustomerID: "c1", StoreID: "s1", Status: order.StatusPending, StatusVersion: 1,
		TotalAmount: 1250, PaymentStatus: order.PaymentUnpaid, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &e2e{srv: srv, store: store}
}

func (e *e2e) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *e2e) webhook(t *testing.T, id string, typ payment.EventType) int {
	t.Helper()
	raw, _ := json.Marshal(payment.Event{ID: id, Type: typ, OrderID: "ord_1"})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/webhooks/payments", bytes.NewReader(raw))
	req.Header.Set(payment.SignatureHeader, payment.Sign([]byte(testSecret), raw))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (e *e2e) mustDo(t *testing.T, method, path, token string, body any, want int) map[string]any {
	t.Helper()
	code, out := e.do(t, method, path, token, body)
	if code != want {
		t.Fatalf("%s %s as %s: got %d %v, want %d", method, path, token, code, out, want)
	}
	return out
}

type wsClient struct {
	conn *websocket.Conn
	dec  *json.Decoder
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *wsClient {
	t.Helper()
	cfg, err := websocket.NewConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", srv.URL)
	if err != nil {
		t.Fatalf("ws config: %v", err)
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Authorization", "Bearer "+token)
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn, dec: json.NewDecoder(conn)}
}

func (c *wsClient) write(t *testing.T, typ, requestID string, payload any) {
	t.Helper()
	b, _ := json.Marshal(payload)
	if err := json.NewEncoder(c.conn).Encode(tracking.Frame{Type: typ, RequestID: requestID, Payload: b}); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func (c *wsClient) read(t *testing.T) tracking.Frame {
	t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
	var f tracking.Frame
	if err := c.dec.Decode(&f); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return f
}

func (c *wsClient) readEvent(t *testing.T, want notify.EventType) tracking.Envelope {
	t.Helper()
	f := c.read(t)
	if f.Type != string(want) {
		t.Fatalf("frame type = %q (%s), want %q", f.Type, f.Payload, want)
	}
	env, err := tracking.ParseEnvelope(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return env
}

func (c *wsClient) expectStatus(t *testing.T, want string) notify.StatusChanged {
	t.Helper()
	env := c.readEvent(t, notify.EventStatusChanged)
	p, err := env.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sc := p.(notify.StatusChanged)
	if sc.Status != want {
		t.Fatalf("status_changed = %s, want %s", sc.Status, want)
	}
	return sc
}

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func locationBody(sec int) map[string]any {
	return map[string]any{
		"lat":         25.03 + float64(sec)*0.001,
		"lng":         121.56,
		"bearing":     0,
		"captured_at": t0.Add(time.Duration(sec) * time.Second),
	}
}

// TestOrderLifecycleEndToEnd walks ord_1 from payment to delivery with an
// early subscriber on the room.
func TestOrderLifecycleEndToEnd(t *testing.T) {
	e := newE2E(t)
	customer := dialWS(t, e.srv, "customer:c1")
	customer.write(t, tracking.FrameJoin, "j1", tracking.JoinPayload{OrderID: "ord_1"})
	joined := customer.read(t)
	if joined.Type != tracking.FrameJoined || joined.RequestID != "j1" {
		t.Fatalf("join reply = %+v", joined)
	}
	var snap tracking.Snapshot
	if err := json.Unmarshal(joined.Payload, &snap); err != nil || snap.Status != "pending" {
		t.Fatalf("joined snapshot = %+v, %v", snap, err)
	}

	if code := e.webhook(t, "evt_ord_1", payment.EventCaptured); code != http.StatusOK {
		t.Fatalf("webhook: %d", code)
	}
	if code := e.webhook(t, "evt_ord_1", payment.EventCaptured); code != http.StatusOK {
		t.Fatalf("duplicate webhook: %d", code)
	}
	sc := customer.expectStatus(t, "placed")
	if sc.PaymentStatus != "captured" {
		t.Fatalf("payment = %s, want captured", sc.PaymentStatus)
	}

	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/accept", "driver:d1", nil, http.StatusOK)
	sc = customer.expectStatus(t, "placed")
	if sc.Driver == nil || sc.Driver.ID != "d1" {
		t.Fatalf("accept event driver = %+v", sc.Driver)
	}

	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/status", "driver:d1", map[string]any{"status": "picked_up"}, http.StatusConflict)

	e.mustDo(t, http.MethodPost, "/api/admin/orders/ord_1/status", "admin:ops", map[string]any{"status": "preparing"}, http.StatusOK)
	customer.expectStatus(t, "preparing")
	e.mustDo(t, http.MethodPost, "/api/admin/orders/ord_1/status", "admin:ops", map[string]any{"status": "ready_for_pickup"}, http.StatusOK)
	customer.expectStatus(t, "ready_for_pickup")
	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/status", "driver:d1", map[string]any{"status": "picked_up"}, http.StatusOK)
	customer.expectStatus(t, "picked_up")
	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/status", "driver:d1", map[string]any{"status": "out_for_delivery"}, http.StatusOK)
	customer.expectStatus(t, "out_for_delivery")

	for sec := 1; sec <= 3; sec++ {
		out := e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/location", "driver:d1", locationBody(sec), http.StatusAccepted)
		if out["accepted"] != true {
			t.Fatalf("sample t=%d not accepted", sec)
		}
	}
	for sec := 1; sec <= 3; sec++ {
		p, _ := customer.readEvent(t, notify.EventLocationUpdate).Decode()
		if got := p.(notify.LocationUpdate).CapturedAt; !got.Equal(t0.Add(time.Duration(sec) * time.Second)) {
			t.Fatalf("location %d captured_at = %v", sec, got)
		}
	}

	polled := e.mustDo(t, http.MethodGet, "/api/orders/ord_1", "customer:c1", nil, http.StatusOK)
	loc, _ := polled["last_location"].(map[string]any)
	if polled["status"] != "out_for_delivery" || loc == nil {
		t.Fatalf("poll = %v", polled)
	}

	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/status", "driver:d1", map[string]any{"status": "delivered"}, http.StatusOK)
	sc = customer.expectStatus(t, "delivered")
	if sc.Driver == nil || sc.Driver.DeliveryStatus != "delivered" {
		t.Fatalf("delivered event driver = %+v", sc.Driver)
	}

	code, out := e.do(t, http.MethodPost, "/api/drivers/orders/ord_1/location", "driver:d1", locationBody(4))
	if code != http.StatusForbidden || out["retryable"] != false {
		t.Fatalf("sample after delivery: %d %v, want 403 not retryable", code, out)
	}
	events, err := e.store.Events(context.Background(), "ord_1")
	if err != nil || len(events) != 7 {
		t.Fatalf("state events = %d, %v; want 7", len(events), err)
	}
}

func TestWSJoinAuthorization(t *testing.T) {
	e := newE2E(t)
	stranger := dialWS(t, e.srv, "customer:c2")
	stranger.write(t, tracking.FrameJoin, "j1", tracking.JoinPayload{OrderID: "ord_1"})
	f := stranger.read(t)
	var p tracking.ErrorPayload
	_ = json.Unmarshal(f.Payload, &p)
	if f.Type != tracking.FrameError || p.Code != "forbidden" || p.Retryable {
		t.Fatalf("reply = %s %s", f.Type, f.Payload)
	}

	stranger.write(t, "order.subscribe", "x", map[string]any{})
	f = stranger.read(t)
	if f.Type != tracking.FrameError {
		t.Fatalf("unknown frame reply = %s", f.Type)
	}

	// emit over the socket requires the driver role
	stranger.write(t, tracking.FrameEmitLocation, "e1", tracking.EmitPayload{OrderID: "ord_1", Lat: 1, Lng: 1, CapturedAt: t0})
	if f := stranger.read(t); f.Type != tracking.FrameError {
		t.Fatalf("emit by customer = %s", f.Type)
	}
}

func TestWSLeaveAndEmit(t *testing.T) {
	e := newE2E(t)
	e.webhook(t, "evt_1", payment.EventCaptured)
	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/accept", "driver:d1", nil, http.StatusOK)

	driver := dialWS(t, e.srv, "driver:d1")
	driver.write(t, tracking.FrameJoin, "j1", tracking.JoinPayload{OrderID: "ord_1"})
	if f := driver.read(t); f.Type != tracking.FrameJoined {
		t.Fatalf("join = %s %s", f.Type, f.Payload)
	}

	driver.write(t, tracking.FrameEmitLocation, "e1", tracking.EmitPayload{OrderID: "ord_1", Lat: 25, Lng: 121, Bearing: 10, CapturedAt: t0.Add(2 * time.Second)})
	// the ack and the room echo may arrive in either order
	var ack tracking.AckPayload
	var echoed bool
	for i := 0; i < 2; i++ {
		f := driver.read(t)
		switch f.Type {
		case tracking.FrameLocationAck:
			_ = json.Unmarshal(f.Payload, &ack)
		case string(notify.EventLocationUpdate):
			echoed = true
		default:
			t.Fatalf("unexpected frame %s", f.Type)
		}
	}
	if !ack.Accepted || !echoed {
		t.Fatalf("ack = %+v echoed = %v", ack, echoed)
	}

	driver.write(t, tracking.FrameEmitLocation, "e2", tracking.EmitPayload{OrderID: "ord_1", Lat: 25, Lng: 121, CapturedAt: t0.Add(time.Second)})
	f := driver.read(t)
	_ = json.Unmarshal(f.Payload, &ack)
	if f.Type != tracking.FrameLocationAck || ack.Accepted {
		t.Fatalf("older sample = %s %s, want ack accepted=false", f.Type, f.Payload)
	}

	driver.write(t, tracking.FrameLeave, "l1", tracking.JoinPayload{OrderID: "ord_1"})
	if f := driver.read(t); f.Type != tracking.FrameLeft {
		t.Fatalf("leave = %s", f.Type)
	}
	e.mustDo(t, http.MethodPost, "/api/admin/orders/ord_1/status", "admin:ops", map[string]any{"status": "preparing"}, http.StatusOK)
	_ = driver.conn.SetDeadline(time.Now().Add(100 * time.Millisecond))
	var stray tracking.Frame
	if err := driver.dec.Decode(&stray); err == nil {
		t.Fatalf("received %s after leaving the room", stray.Type)
	}
}

// TestFollowerConvergesWithPoll runs a push follower through a delivery and
// compares its final view with a plain poll.
func TestFollowerConvergesWithPoll(t *testing.T) {
	e := newE2E(t)
	e.webhook(t, "evt_1", payment.EventCaptured)

	updates := make(chan tracking.Snapshot, 64)
	f := tracking.NewFollower("ord_1",
		tracking.NewPushSource(e.srv.URL, "customer:c1"),
		tracking.NewHTTPSource(e.srv.URL, "customer:c1", nil),
		tracking.FollowerConfig{PollEvery: 20 * time.Millisecond, RetryPushAfter: time.Second},
		func(s tracking.Snapshot) { updates <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitFor := func(cond func(tracking.Snapshot) bool) {
		t.Helper()
		for {
			select {
			case s := <-updates:
				if cond(s) {
					return
				}
			case <-ctx.Done():
				t.Fatal("follower did not observe the expected state")
			}
		}
	}
	waitFor(func(s tracking.Snapshot) bool { return s.Status == "placed" })

	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/accept", "driver:d1", nil, http.StatusOK)
	waitFor(func(s tracking.Snapshot) bool { return s.Driver != nil && s.Driver.ID == "d1" })
	for _, st := range []string{"preparing", "ready_for_pickup"} {
		e.mustDo(t, http.MethodPost, "/api/admin/orders/ord_1/status", "admin:ops", map[string]any{"status": st}, http.StatusOK)
	}
	for _, st := range []string{"picked_up", "out_for_delivery"} {
		e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/status", "driver:d1", map[string]any{"status": st}, http.StatusOK)
	}
	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/location", "driver:d1", locationBody(1), http.StatusAccepted)
	waitFor(func(s tracking.Snapshot) bool { return s.LastLocation != nil })

	polled, err := tracking.NewHTTPSource(e.srv.URL, "customer:c1", nil).Snapshot(ctx, types.ID("ord_1"))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	got := f.State()
	if got.Status != polled.Status || got.Driver == nil || polled.Driver == nil || *got.Driver != *polled.Driver ||
		polled.LastLocation == nil || !got.LastLocation.CapturedAt.Equal(polled.LastLocation.CapturedAt) {
		t.Fatalf("push view %+v differs from poll %+v", got, polled)
	}

	e.mustDo(t, http.MethodPost, "/api/drivers/orders/ord_1/status", "driver:d1", map[string]any{"status": "delivered"}, http.StatusOK)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follower: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("follower did not stop at delivered")
	}
	if s := f.State(); s.Status != "delivered" || s.LastLocation != nil {
		t.Fatalf("final view = %+v", s)
	}
}
