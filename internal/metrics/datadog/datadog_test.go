package datadog

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"uscsv/internal/metrics"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, nil
}

func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "test",
		FlushEvery: time.Hour, // flush manually
		now:        func() time.Time { return time.Unix(1700000000, 0) },
		submitter:  sub,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}

func TestBackend_BuffersAndFlushes(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.MetricRowsTotal, 100, metrics.Labels{"schema": "s-1"})
	b.IncCounter(metrics.MetricRowsTotal, 50, metrics.Labels{"schema": "s-1"})
	b.ObserveGauge(metrics.MetricRowsPerSec, 1234, metrics.Labels{"schema": "s-1"})

	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sub.payloads) != 1 {
		t.Fatalf("payloads = %d", len(sub.payloads))
	}
	series := sub.payloads[0].Series
	if len(series) != 2 {
		t.Fatalf("series = %d", len(series))
	}
	var counterValue float64
	for _, s := range series {
		if s.Metric == metrics.MetricRowsTotal {
			counterValue = *s.Points[0].Value
		}
	}
	if counterValue != 150 {
		t.Fatalf("counter value = %v, want accumulated 150", counterValue)
	}

	// Nothing buffered: flush is a no-op submission-wise.
	if err := b.Flush(); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(sub.payloads) != 1 {
		t.Fatalf("empty flush submitted anyway")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBackend_TagsCarryJobAndLabels(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	b.IncCounter(metrics.MetricSpillsTotal, 1, metrics.Labels{"schema": "s-9"})
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	tags := sub.payloads[0].Series[0].Tags
	want := map[string]bool{"job:test": false, "schema:s-9": false}
	for _, tag := range tags {
		if _, ok := want[tag]; ok {
			want[tag] = true
		}
	}
	for tag, seen := range want {
		if !seen {
			t.Fatalf("missing tag %q in %v", tag, tags)
		}
	}
	_ = b.Close()
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	got := ParseTagsCSV(" env:prod , service:uscsv ,")
	if len(got) != 2 || got[0] != "env:prod" || got[1] != "service:uscsv" {
		t.Fatalf("tags = %v", got)
	}
	if ParseTagsCSV("") != nil {
		t.Fatalf("empty input should yield nil")
	}
}
