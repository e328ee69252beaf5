// Package domain contains the append-only event record and its ingest contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event is one inbound delivery. At most one row exists per
// (tenant_id, environment, idempotency_key); rows without a key are never deduplicated.
type Event struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID       string            `gorm:"type:varchar(64);not null;uniqueIndex:ux_events_idempotency,priority:1;index:idx_events_window,priority:1;index:idx_events_hash,priority:1" json:"tenant_id"`
	Environment    string            `gorm:"type:varchar(64);not null;uniqueIndex:ux_events_idempotency,priority:2;index:idx_events_window,priority:2;index:idx_events_hash,priority:2" json:"environment"`
	IdempotencyKey *string           `gorm:"type:varchar(255);uniqueIndex:ux_events_idempotency,priority:3" json:"idempotency_key,omitempty"`
	CorrelationID  string            `gorm:"type:varchar(128)" json:"correlation_id"`
	Kind           string            `gorm:"type:varchar(128);not null" json:"kind"`
	Source         string            `gorm:"type:varchar(128);not null" json:"source"`
	Payload        datatypes.JSONMap `json:"payload"`
	PayloadHash    string            `gorm:"type:char(64);not null;index:idx_events_hash,priority:3" json:"payload_hash"`
	OccurredAt     time.Time         `gorm:"not null" json:"occurred_at"`
	ReceivedAt     time.Time         `gorm:"not null;index:idx_events_window,priority:3" json:"received_at"`
}

func (Event) TableName() string { return "events" }

func (e Event) Key() string {
	if e.IdempotencyKey == nil {
		return ""
	}
	return *e.IdempotencyKey
}
