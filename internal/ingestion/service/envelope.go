package service

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	ingestiondomain "github.com/smallbiznis/trustmeter/internal/ingestion/domain"
)

// envelope is the part of an adapter payload the core understands. Everything
// else is stored verbatim.
type envelope struct {
	Kind       string     `mapstructure:"kind"`
	Type       any        `mapstructure:"type"`
	Event      any        `mapstructure:"event"`
	OccurredAt *time.Time `mapstructure:"occurred_at"`
	Metric     string     `mapstructure:"metric"`
	Quantity   *float64   `mapstructure:"quantity"`
}

func (e envelope) kind() string {
	if k := strings.TrimSpace(e.Kind); k != "" {
		return k
	}
	// Some adapters nest the event object under "event"; only strings name a kind.
	for _, v := range []any{e.Type, e.Event} {
		if k, ok := v.(string); ok && strings.TrimSpace(k) != "" {
			return strings.TrimSpace(k)
		}
	}
	return ""
}

func (e envelope) metric() string {
	if m := strings.TrimSpace(e.Metric); m != "" {
		return m
	}
	return ingestiondomain.DefaultMetric
}

// quantity defaults to one unit per event.
func (e envelope) quantity() (int64, error) {
	if e.Quantity == nil {
		return 1, nil
	}
	q := *e.Quantity
	// 1<<63 is the first float64 that does not fit an int64.
	if q < 0 || q != math.Trunc(q) || q >= 1<<63 {
		return 0, ingestiondomain.ErrInvalidAmount
	}
	return int64(q), nil
}

func decodeBody(body []byte) (map[string]any, envelope, error) {
	var env envelope
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, env, ingestiondomain.ErrInvalidBody
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, env, ingestiondomain.ErrInvalidBody
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		WeaklyTypedInput: true,
		Result:           &env,
	})
	if err != nil {
		return nil, env, err
	}
	if err := decoder.Decode(payload); err != nil {
		return nil, env, ingestiondomain.ErrInvalidBody
	}
	return payload, env, nil
}
