// Package export pushes the latest KPI values to a Prometheus-compatible sink.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	obstracing "github.com/smallbiznis/trustmeter/internal/observability/tracing"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"
	defaultPushTimeout  = 5 * time.Second
)

// Pusher sends a gathered registry somewhere. Implementations never start goroutines.
type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

type RemoteWritePusher struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	now        func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		httpClient: obstracing.WrapHTTPClient(&http.Client{
			Timeout: defaultPushTimeout,
		}),
		now: time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	series := buildRemoteWriteSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	writeReq := &prompb.WriteRequest{Timeseries: series}
	payload, err := writeReq.Marshal()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	return &PushgatewayPusher{
		endpoint: endpoint,
		job:      strings.TrimSpace(job),
		grouping: grouping,
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	if strings.TrimSpace(p.endpoint) == "" {
		return errors.New("pushgateway endpoint is required")
	}
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(gatherer)
	for key, value := range p.grouping {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}

func buildRemoteWriteSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	series := make([]prompb.TimeSeries, 0, len(families))
	for _, family := range families {
		if family.GetType() != dto.MetricType_GAUGE && family.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range family.GetMetric() {
			value, ok := metricValue(family.GetType(), metric)
			if !ok {
				continue
			}
			labels := make([]prompb.Label, 0, len(metric.GetLabel())+1)
			labels = append(labels, prompb.Label{Name: "__name__", Value: family.GetName()})
			for _, label := range metric.GetLabel() {
				labels = append(labels, prompb.Label{Name: label.GetName(), Value: label.GetValue()})
			}
			sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

			series = append(series, prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: value, Timestamp: timestampMs}},
			})
		}
	}
	return series
}

func metricValue(metricType dto.MetricType, metric *dto.Metric) (float64, bool) {
	switch {
	case metric == nil:
		return 0, false
	case metricType == dto.MetricType_COUNTER && metric.GetCounter() != nil:
		return metric.GetCounter().GetValue(), true
	case metricType == dto.MetricType_GAUGE && metric.GetGauge() != nil:
		return metric.GetGauge().GetValue(), true
	}
	return 0, false
}
