package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func outboxHandlers() repository.ModelHandlers[*outboxRecord] {
	return repository.ModelHandlers[*outboxRecord]{
		NewRecord: func() *outboxRecord {
			return &outboxRecord{}
		},
		GetID: func(record *outboxRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *outboxRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "event_id"
		},
		GetIdentifierValue: func(record *outboxRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.EventID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
