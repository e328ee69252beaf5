package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/smallbiznis/trustmeter/pkg/signature"
	"github.com/smallbiznis/trustmeter/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const SignatureHeader = "X-Trustmeter-Signature"

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("quota")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n usagedomain.QuotaNotification) error {
	s.log.Warn("quota notification",
		zap.String("tenant_id", n.TenantID),
		zap.String("metric_type", n.MetricType),
		zap.String("level", n.Level),
		zap.Int64("used", n.Used),
		zap.Int64("limit", n.QuotaLimit),
		zap.Float64("percentage", n.Percentage),
		zap.Time("period_start", n.PeriodStart),
		zap.Time("period_end", n.PeriodEnd),
	)
	return nil
}

// WebhookSink POSTs the notification as JSON signed with the shared secret.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, secret: secret, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Type         string                        `json:"type"`
	Notification usagedomain.QuotaNotification `json:"notification"`
	Metadata     map[string]any                `json:"metadata"`
}

func (s *WebhookSink) Send(ctx context.Context, n usagedomain.QuotaNotification) error {
	metadata := correlation.StampMetadata(ctx, nil)
	body, err := json.Marshal(webhookPayload{Type: "quota." + n.Level, Notification: n, Metadata: metadata})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", n.ID.String())
	req.Header.Set(correlation.HeaderName, metadata["correlation_id"].(string))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, signature.Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
