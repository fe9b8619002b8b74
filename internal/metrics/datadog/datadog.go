// Package datadog implements a Datadog backend for the internal/metrics
// facade.
//
// Buffering model:
//   - pipeline goroutines call IncCounter/ObserveGauge at any time (fast,
//     lock-protected)
//   - a ticker loop Flush()es periodically (default once per minute)
//   - Close() stops the loop and performs one final Flush()
//
// Flush snapshots and resets buffers under the mutex, then submits
// out-of-lock so the hot path never waits on the network.
package datadog

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"uscsv/internal/metrics"
)

// Options control backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "uscsv".
	JobName string
	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string
	// FlushEvery controls submission cadence. <= 0 means 60s.
	FlushEvery time.Duration

	// Unexported test seams; production never sets them.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the tiny seam over the concrete Datadog API so tests
// can stub submission without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

type sample struct {
	name string
	tags string
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api        metricsSubmitter
	ctx        context.Context
	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	baseTags   []string
	now        func() time.Time
	newTicker  func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[sample]float64
	gauges   map[sample]float64
}

// NewBackend constructs the backend and starts its flush loop.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "uscsv"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := append([]string{"job:" + job}, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   map[sample]float64{},
		gauges:     map[sample]float64{},
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)
	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and submits whatever is buffered.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta == 0 {
		return
	}
	key := sample{name: name, tags: encodeLabels(labels)}
	b.mu.Lock()
	b.counters[key] += delta
	b.mu.Unlock()
}

// ObserveGauge implements metrics.Backend; the last value per (name, tags)
// within a flush window wins.
func (b *Backend) ObserveGauge(name string, value float64, labels metrics.Labels) {
	key := sample{name: name, tags: encodeLabels(labels)}
	b.mu.Lock()
	b.gauges[key] = value
	b.mu.Unlock()
}

// Flush submits buffered series and resets the buffers. Buffers reset even
// when submission fails, keeping the pipeline hot path unblocked.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters := b.counters
	gauges := b.gauges
	b.counters = map[sample]float64{}
	b.gauges = map[sample]float64{}
	b.mu.Unlock()

	if len(counters) == 0 && len(gauges) == 0 {
		return nil
	}

	nowUnix := b.now().Unix()
	series := make([]datadogV2.MetricSeries, 0, len(counters)+len(gauges))
	for key, v := range counters {
		series = append(series, b.series(key, v, datadogV2.METRICINTAKETYPE_COUNT, nowUnix))
	}
	for key, v := range gauges {
		series = append(series, b.series(key, v, datadogV2.METRICINTAKETYPE_GAUGE, nowUnix))
	}

	payload := datadogV2.MetricPayload{Series: series}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

func (b *Backend) series(key sample, value float64, kind datadogV2.MetricIntakeType, nowUnix int64) datadogV2.MetricSeries {
	tags := append([]string(nil), b.baseTags...)
	if key.tags != "" {
		tags = append(tags, strings.Split(key.tags, ",")...)
	}
	return datadogV2.MetricSeries{
		Metric: key.name,
		Type:   kind.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func encodeLabels(labels metrics.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+":"+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ParseTagsCSV parses comma-separated tags like "env:prod,service:uscsv".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
