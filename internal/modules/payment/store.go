// README: Webhook event-id log; the dedup source of truth for the bridge.
package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"trackline/internal/types"
)

// Record is one processed provider event.
type Record struct {
	EventID     string
	Type        EventType
	OrderID     types.ID
	Outcome     Outcome
	Signature   string
	ProcessedAt time.Time
}

type DedupStore interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed appends rec and reports false if the id was already there.
	MarkProcessed(ctx context.Context, rec Record) (bool, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Processed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup webhook event: %w", err)
	}
	return exists, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, rec Record) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, order_id, outcome, signature, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID,
		string(rec.Type),
		string(rec.OrderID),
		string(rec.Outcome),
		rec.Signature,
		rec.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Processed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.EventID]; ok {
		return false, nil
	}
	s.records[rec.EventID] = rec
	return true, nil
}

// Get returns the stored record for eventID.
func (s *MemoryStore) Get(eventID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[eventID]
	return rec, ok
}
