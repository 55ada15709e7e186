package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

// outboxRecord ids are UUIDv7 so ordering by id follows append order.
type outboxRecord struct {
	bun.BaseModel `bun:"table:inspector_outbox,alias:io"`

	ID             string     `bun:"id,pk"`
	EventID        string     `bun:"event_id,notnull"`
	RunID          string     `bun:"run_id,notnull"`
	EventType      string     `bun:"event_type,notnull"`
	IdempotencyKey string     `bun:"idempotency_key,notnull"`
	Payload        string     `bun:"payload,notnull"`
	PersistedAt    time.Time  `bun:"persisted_at,notnull"`
	Delivered      bool       `bun:"delivered,notnull"`
	DeliveredAt    *time.Time `bun:"delivered_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
