package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type OutboxStore struct {
	db   *bun.DB
	repo repository.Repository[*outboxRecord]
	now  func() time.Time
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*outboxRecord](db, outboxHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxStore{db: db, repo: repo, now: time.Now}, nil
}

// Append inserts the entry once per event id. A concurrent duplicate that
// loses the unique index race is treated as already written.
func (s *OutboxStore) Append(ctx context.Context, entry core.OutboxEntry) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID := strings.TrimSpace(entry.EventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: outbox event id is required")
	}
	exists, err := s.exists(ctx, eventID)
	if err != nil {
		return durabilityError(eventID, err)
	}
	if exists {
		return nil
	}

	record, err := newOutboxRecord(entry, s.now().UTC())
	if err != nil {
		return err
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		if again, checkErr := s.exists(ctx, eventID); checkErr == nil && again {
			return nil
		}
		return durabilityError(eventID, err)
	}
	return nil
}

func (s *OutboxStore) ReadUndelivered(ctx context.Context, limit int) ([]core.OutboxEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	var records []outboxRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("delivered = ?", false).
		OrderExpr("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return recordsToEntries(records)
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, eventIDs ...string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	ids := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("delivered = ?", true).
		Set("delivered_at = ?", s.now().UTC()).
		Where("event_id IN (?)", bun.In(ids)).
		Where("delivered = ?", false).
		Exec(ctx)
	return err
}

func (s *OutboxStore) Latest(ctx context.Context, eventTypes ...core.OutboxEventType) (core.OutboxEntry, bool, error) {
	if s == nil || s.db == nil {
		return core.OutboxEntry{}, false, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	var records []outboxRecord
	query := s.db.NewSelect().
		Model(&records).
		OrderExpr("id DESC").
		Limit(1)
	if len(eventTypes) > 0 {
		types := make([]string, 0, len(eventTypes))
		for _, eventType := range eventTypes {
			types = append(types, string(eventType))
		}
		query = query.Where("event_type IN (?)", bun.In(types))
	}
	if err := query.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.OutboxEntry{}, false, err
	}
	if len(records) == 0 {
		return core.OutboxEntry{}, false, nil
	}
	entry, err := records[0].toEntry()
	if err != nil {
		return core.OutboxEntry{}, false, err
	}
	return entry, true, nil
}

func (s *OutboxStore) Backlog(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	return s.db.NewSelect().
		Model((*outboxRecord)(nil)).
		Where("delivered = ?", false).
		Count(ctx)
}

func (s *OutboxStore) exists(ctx context.Context, eventID string) (bool, error) {
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("event_id", "=", eventID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func newOutboxRecord(entry core.OutboxEntry, now time.Time) (*outboxRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: generate outbox id: %w", err)
	}
	entry.Delivered = false
	payload, err := entry.MarshalLine()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode outbox entry: %w", err)
	}
	persistedAt := entry.PersistedAt.UTC()
	if persistedAt.IsZero() {
		persistedAt = now
	}
	return &outboxRecord{
		ID:             id.String(),
		EventID:        strings.TrimSpace(entry.EventID),
		RunID:          strings.TrimSpace(entry.RunID),
		EventType:      string(entry.EventType),
		IdempotencyKey: strings.TrimSpace(entry.IdempotencyKey),
		Payload:        string(payload),
		PersistedAt:    persistedAt,
		CreatedAt:      now,
	}, nil
}

func (r outboxRecord) toEntry() (core.OutboxEntry, error) {
	entry, err := core.UnmarshalOutboxEntry([]byte(r.Payload))
	if err != nil {
		return core.OutboxEntry{}, fmt.Errorf("sqlstore: decode outbox entry %s: %w", r.EventID, err)
	}
	entry.Delivered = r.Delivered
	return entry, nil
}

func recordsToEntries(records []outboxRecord) ([]core.OutboxEntry, error) {
	entries := make([]core.OutboxEntry, 0, len(records))
	for _, record := range records {
		entry, err := record.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func durabilityError(eventID string, cause error) error {
	return core.NewDurabilityError("sqlstore: outbox append failed", cause, map[string]any{
		"event_id": eventID,
	})
}
