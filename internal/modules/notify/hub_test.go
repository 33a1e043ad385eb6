// README: Hub tests (room isolation, slow subscribers, ordering, shutdown).
package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trackline/internal/types"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 1024), closed: make(chan struct{})}
}

func (r *recorder) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if evs := r.snapshot(); len(evs) >= n {
			return evs
		}
		select {
		case <-r.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", n, len(r.snapshot()))
		}
	}
}

// stuck never finishes a send until the hub gives up on it.
type stuck struct {
	closed chan struct{}
	once   sync.Once
}

func newStuck() *stuck { return &stuck{closed: make(chan struct{})} }

func (s *stuck) Send(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stuck) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func statusEvent(orderID types.ID, status string) Event {
	return NewStatusChanged(orderID, status, "", nil, time.Now().UTC())
}

func TestRoomIsolation(t *testing.T) {
	hub := NewHub(Config{QueueSize: 8})
	defer hub.Close()

	a, b := newRecorder(), newRecorder()
	mustConnect(t, hub, "a", a)
	mustConnect(t, hub, "b", b)
	mustJoin(t, hub, "a", "ord_1")
	mustJoin(t, hub, "b", "ord_2")

	ctx := context.Background()
	if err := hub.Publish(ctx, "ord_1", statusEvent("ord_1", "placed")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := hub.Publish(ctx, "ord_2", statusEvent("ord_2", "preparing")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	evA := a.waitFor(t, 1)
	evB := b.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)

	if len(a.snapshot()) != 1 || evA[0].OrderID != "ord_1" {
		t.Fatalf("a received %+v, want exactly one ord_1 event", a.snapshot())
	}
	if len(b.snapshot()) != 1 || evB[0].OrderID != "ord_2" {
		t.Fatalf("b received %+v, want exactly one ord_2 event", b.snapshot())
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewHub(Config{QueueSize: 2, SendTimeout: time.Hour})
	defer hub.Close()

	slow := newStuck()
	fast := newRecorder()
	mustConnect(t, hub, "slow", slow)
	mustConnect(t, hub, "fast", fast)
	mustJoin(t, hub, "slow", "ord_1")
	mustJoin(t, hub, "fast", "ord_1")

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			_ = hub.Publish(context.Background(), "ord_1", statusEvent("ord_1", "preparing"))
			// give the fast writer room so only the stuck one overflows
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a non-draining subscriber")
	}

	fast.waitFor(t, n)
	select {
	case <-slow.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	if got := hub.RoomSize("ord_1"); got != 1 {
		t.Fatalf("room size = %d, want 1", got)
	}
}

func TestPerSubscriberFIFO(t *testing.T) {
	hub := NewHub(Config{QueueSize: 128})
	defer hub.Close()

	subs := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	for i, r := range subs {
		id := ConnID(string(rune('a' + i)))
		mustConnect(t, hub, id, r)
		mustJoin(t, hub, id, "ord_1")
	}

	statuses := []string{"placed", "preparing", "ready_for_pickup", "picked_up", "out_for_delivery", "delivered"}
	for _, s := range statuses {
		if err := hub.Publish(context.Background(), "ord_1", statusEvent("ord_1", s)); err != nil {
			t.Fatalf("publish %s: %v", s, err)
		}
	}
	for i, r := range subs {
		evs := r.waitFor(t, len(statuses))
		for j, ev := range evs {
			got := ev.Payload.(StatusChanged).Status
			if got != statuses[j] {
				t.Fatalf("subscriber %d event %d = %s, want %s", i, j, got, statuses[j])
			}
		}
	}
}

func TestLeaveAllAndDisconnect(t *testing.T) {
	hub := NewHub(Config{})
	defer hub.Close()

	r := newRecorder()
	mustConnect(t, hub, "c1", r)
	mustJoin(t, hub, "c1", "ord_1")
	mustJoin(t, hub, "c1", "ord_2")
	if got := len(hub.Rooms("c1")); got != 2 {
		t.Fatalf("rooms = %d, want 2", got)
	}

	hub.LeaveAll("c1")
	if hub.RoomSize("ord_1") != 0 || hub.RoomSize("ord_2") != 0 {
		t.Fatal("leaveAll left subscriptions behind")
	}
	_ = hub.Publish(context.Background(), "ord_1", statusEvent("ord_1", "placed"))
	time.Sleep(20 * time.Millisecond)
	if got := len(r.snapshot()); got != 0 {
		t.Fatalf("received %d events after leaveAll", got)
	}

	// connection survives leaveAll
	mustJoin(t, hub, "c1", "ord_3")
	hub.Leave("c1", "ord_3")
	if hub.RoomSize("ord_3") != 0 {
		t.Fatal("leave did not remove subscription")
	}

	hub.Disconnect("c1")
	select {
	case <-r.closed:
	case <-time.After(time.Second):
		t.Fatal("sender not closed on disconnect")
	}
	if err := hub.Join("c1", "ord_1"); !errors.Is(err, ErrUnknownConn) {
		t.Fatalf("join after disconnect: got %v, want ErrUnknownConn", err)
	}
}

func TestDuplicateConnect(t *testing.T) {
	hub := NewHub(Config{})
	defer hub.Close()
	mustConnect(t, hub, "c1", newRecorder())
	if err := hub.Connect("c1", newRecorder()); !errors.Is(err, ErrDuplicateConn) {
		t.Fatalf("got %v, want ErrDuplicateConn", err)
	}
}

func TestClosedHubUnavailable(t *testing.T) {
	hub := NewHub(Config{})
	r := newRecorder()
	mustConnect(t, hub, "c1", r)
	hub.Close()

	if err := hub.Publish(context.Background(), "ord_1", statusEvent("ord_1", "placed")); !errors.Is(err, ErrHubUnavailable) {
		t.Fatalf("publish after close: got %v, want ErrHubUnavailable", err)
	}
	if err := hub.Connect("c2", newRecorder()); !errors.Is(err, ErrHubUnavailable) {
		t.Fatalf("connect after close: got %v, want ErrHubUnavailable", err)
	}
	select {
	case <-r.closed:
	default:
		t.Fatal("close did not release connections")
	}
}

func TestKafkaMirror(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewAsyncProducer(t, cfg)
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	mirror := NewKafkaMirror(producer, "order-events")
	hub := NewHub(Config{}, WithMirror(mirror))

	ctx := context.Background()
	if err := hub.Publish(ctx, "ord_1", statusEvent("ord_1", "placed")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := hub.Publish(ctx, "ord_1", NewLocationUpdate("ord_1", types.Point{Lat: 1, Lng: 2}, 90, time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}

	hub.Close()
	if err := mirror.Close(); err != nil {
		t.Fatalf("close mirror: %v", err)
	}
}

func mustConnect(t *testing.T, hub *Hub, id ConnID, s Sender) {
	t.Helper()
	if err := hub.Connect(id, s); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
}

func mustJoin(t *testing.T, hub *Hub, id ConnID, orderID types.ID) {
	t.Helper()
	if err := hub.Join(id, orderID); err != nil {
		t.Fatalf("join %s/%s: %v", id, orderID, err)
	}
}
