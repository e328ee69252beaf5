package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/config"
	eventdomain "github.com/smallbiznis/trustmeter/internal/event/domain"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxKeyLength       = 255
	maxKindLength      = 128
	defaultRetryWindow = 10 * time.Minute
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	timeout     time.Duration
	retryWindow time.Duration
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) eventdomain.Service {
	retryWindow := p.Config.Ingest.RetryWindow
	if retryWindow <= 0 {
		retryWindow = defaultRetryWindow
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("event.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		timeout:     p.Config.Ingest.Timeout,
		retryWindow: retryWindow,
		obsMetrics:  p.ObsMetrics,
	}
}

// Ingest stores the event or returns the row that already owns its key.
// The insert and the duplicate check are one statement, so racing callers
// with the same key always observe a single winner.
func (s *Service) Ingest(ctx context.Context, req eventdomain.IngestRequest) (eventdomain.IngestResult, error) {
	record, err := s.buildRecord(req)
	if err != nil {
		return eventdomain.IngestResult{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	key := record.Key()

	var suspected *snowflake.ID
	if key == "" {
		suspected, err = s.findRecentTwin(ctx, record)
		if err != nil {
			return eventdomain.IngestResult{}, s.storageErr(err)
		}
	}

	inserted, err := s.insertEvent(ctx, record)
	if err != nil {
		return eventdomain.IngestResult{}, s.storageErr(err)
	}

	if !inserted {
		existing, err := s.findByKey(ctx, record.TenantID, record.Environment, key)
		if err != nil {
			return eventdomain.IngestResult{}, s.storageErr(err)
		}
		if existing == nil {
			return eventdomain.IngestResult{}, fmt.Errorf("%w: conflicting row vanished", eventdomain.ErrStorageUnavailable)
		}
		s.obsMetrics.RecordEventIngested(ctx, existing.Source, true)
		s.log.Debug("duplicate event",
			zap.String("tenant_id", existing.TenantID),
			zap.String("environment", existing.Environment),
			zap.String("event_id", existing.ID.String()),
		)
		return eventdomain.IngestResult{Event: existing, Duplicate: true}, nil
	}

	s.obsMetrics.RecordEventIngested(ctx, record.Source, false)
	if suspected != nil {
		s.log.Info("suspected retry without idempotency key",
			zap.String("tenant_id", record.TenantID),
			zap.String("event_id", record.ID.String()),
			zap.String("suspected_retry_of", suspected.String()),
		)
	}
	return eventdomain.IngestResult{Event: record, SuspectedRetryOf: suspected}, nil
}

func (s *Service) Get(ctx context.Context, tenantID string, id snowflake.ID) (*eventdomain.Event, error) {
	var record eventdomain.Event
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", strings.TrimSpace(tenantID), id).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, eventdomain.ErrEventNotFound
		}
		return nil, s.storageErr(err)
	}
	return &record, nil
}

// ListWindow returns observations received in [start, end).
func (s *Service) ListWindow(ctx context.Context, tenantID, environment string, start, end time.Time) ([]eventdomain.Observation, error) {
	var rows []eventdomain.Observation
	err := s.db.WithContext(ctx).
		Model(&eventdomain.Event{}).
		Select("source, occurred_at, received_at").
		Where("tenant_id = ? AND environment = ? AND received_at >= ? AND received_at < ?",
			tenantID, environment, start.UTC(), end.UTC()).
		Order("received_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, s.storageErr(err)
	}
	return rows, nil
}

func (s *Service) ActiveScopes(ctx context.Context, start, end time.Time) ([]eventdomain.Scope, error) {
	var scopes []eventdomain.Scope
	err := s.db.WithContext(ctx).
		Model(&eventdomain.Event{}).
		Distinct("tenant_id", "environment").
		Where("received_at >= ? AND received_at < ?", start.UTC(), end.UTC()).
		Scan(&scopes).Error
	if err != nil {
		return nil, s.storageErr(err)
	}
	return scopes, nil
}

func (s *Service) buildRecord(req eventdomain.IngestRequest) (*eventdomain.Event, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, eventdomain.ErrInvalidTenant
	}
	environment := strings.ToLower(strings.TrimSpace(req.Environment))
	if environment == "" {
		return nil, eventdomain.ErrInvalidEnvironment
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" || len(kind) > maxKindLength {
		return nil, eventdomain.ErrInvalidKind
	}
	source := slug.Make(req.Source)
	if source == "" {
		return nil, eventdomain.ErrInvalidSource
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxKeyLength {
		return nil, eventdomain.ErrInvalidKey
	}
	if req.Payload == nil {
		return nil, eventdomain.ErrInvalidPayload
	}
	hash, err := PayloadHash(req.Payload)
	if err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}

	now := s.clock.Now().UTC()
	occurredAt := req.OccurredAt.UTC()
	if req.OccurredAt.IsZero() || occurredAt.After(now) {
		occurredAt = now
	}

	record := &eventdomain.Event{
		ID:            s.genID.Generate(),
		TenantID:      tenantID,
		Environment:   environment,
		CorrelationID: strings.TrimSpace(req.CorrelationID),
		Kind:          kind,
		Source:        source,
		Payload:       datatypes.JSONMap(req.Payload),
		PayloadHash:   hash,
		OccurredAt:    occurredAt,
		ReceivedAt:    now,
	}
	if key != "" {
		record.IdempotencyKey = &key
	}
	return record, nil
}

func (s *Service) insertEvent(ctx context.Context, record *eventdomain.Event) (bool, error) {
	tx := s.db.WithContext(ctx)
	if record.IdempotencyKey != nil {
		tx = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"},
				{Name: "environment"},
				{Name: "idempotency_key"},
			},
			DoNothing: true,
		})
	}
	result := tx.Create(record)
	if result.Error != nil {
		// MySQL has no conflict target; a racing duplicate can still surface here.
		if record.IdempotencyKey != nil && db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findByKey(ctx context.Context, tenantID, environment, key string) (*eventdomain.Event, error) {
	if key == "" {
		return nil, nil
	}
	var record eventdomain.Event
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND environment = ? AND idempotency_key = ?", tenantID, environment, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) findRecentTwin(ctx context.Context, record *eventdomain.Event) (*snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&eventdomain.Event{}).
		Where("tenant_id = ? AND environment = ? AND payload_hash = ? AND source = ? AND received_at >= ?",
			record.TenantID, record.Environment, record.PayloadHash, record.Source,
			record.ReceivedAt.Add(-s.retryWindow)).
		Order("received_at DESC").
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}

func (s *Service) storageErr(err error) error {
	if err == nil {
		return nil
	}
	if db.IsTransient(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", eventdomain.ErrStorageUnavailable, err)
	}
	return err
}

// PayloadHash is the sha256 of the payload's canonical JSON (sorted keys).
func PayloadHash(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
