package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// DeliveryLabel identifies delivered responses by kind (segment, manifest,
// playlist, license, thumbnail) and status code.
type DeliveryLabel struct {
	Kind   string
	Status string
}

// TranscoderJobLabel identifies transcode job events by encoder kind and
// lifecycle status.
type TranscoderJobLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, asset
// lifecycle transitions, ingest stages, transcode jobs, playback delivery and
// token checks. Writers coordinate through a RWMutex; gauges are atomic.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	assetEvents      map[string]uint64
	dependencyValue  map[string]float64
	dependencyState  map[string]string
	ingestAttempts   map[string]uint64
	ingestFailures   map[string]uint64
	transcoderEvents map[TranscoderJobLabel]uint64
	deliveryCount    map[DeliveryLabel]uint64
	deliveryBytes    map[string]uint64
	tokenChecks      map[string]uint64
	activeTranscoder atomic.Int64
	queueDepth       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	r := &Recorder{}
	r.resetLocked()
	return r
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates count and duration by method, normalized path
// and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveAssetStatus counts asset transitions into status.
func (r *Recorder) ObserveAssetStatus(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.assetEvents[normalized]++
	r.mu.Unlock()
}

// ObserveIngestAttempt records an ingest stage attempt ("accept", "analyze",
// "transcode", "commit").
func (r *Recorder) ObserveIngestAttempt(stage string) {
	op := normalizeName(stage)
	r.mu.Lock()
	r.ingestAttempts[op]++
	r.mu.Unlock()
}

// ObserveIngestFailure records a failed ingest stage. Callers record the
// attempt separately.
func (r *Recorder) ObserveIngestFailure(stage string) {
	op := normalizeName(stage)
	r.mu.Lock()
	r.ingestFailures[op]++
	r.mu.Unlock()
}

// TranscoderJobStarted records the start of a job on the given encoder kind
// and increments the active job gauge.
func (r *Recorder) TranscoderJobStarted(kind string) {
	r.recordTranscoderEvent(kind, "start")
	r.activeTranscoder.Add(1)
}

// TranscoderJobCompleted records a finished job and decrements the gauge.
func (r *Recorder) TranscoderJobCompleted(kind string) {
	r.recordTranscoderEvent(kind, "complete")
	r.decrementGauge(&r.activeTranscoder)
}

// TranscoderJobFailed records a failed job and decrements the gauge without
// letting it go negative.
func (r *Recorder) TranscoderJobFailed(kind string) {
	r.recordTranscoderEvent(kind, "fail")
	r.decrementGauge(&r.activeTranscoder)
}

func (r *Recorder) recordTranscoderEvent(kind, status string) {
	label := TranscoderJobLabel{
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.transcoderEvents[label]++
	r.mu.Unlock()
}

// ObserveDelivery records one playback response and the body bytes sent.
func (r *Recorder) ObserveDelivery(kind string, status int, bytes int64) {
	label := DeliveryLabel{Kind: normalizeName(kind), Status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	r.deliveryCount[label]++
	if bytes > 0 {
		r.deliveryBytes[label.Kind] += uint64(bytes)
	}
	r.mu.Unlock()
}

// ObserveTokenCheck counts playback token validations by result ("ok" or a
// rejection reason).
func (r *Recorder) ObserveTokenCheck(result string) {
	normalized := normalizeName(result)
	r.mu.Lock()
	r.tokenChecks[normalized]++
	r.mu.Unlock()
}

// SetQueueDepth records the number of jobs waiting for a worker.
func (r *Recorder) SetQueueDepth(depth int64) {
	if depth < 0 {
		depth = 0
	}
	r.queueDepth.Store(depth)
}

// SetDependencyHealth maps a dependency status to 1 (ok), 0 (disabled) or -1
// (degraded) and stores both forms for export.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// ActiveTranscoderJobs exposes the active job gauge.
func (r *Recorder) ActiveTranscoderJobs() int64 {
	return r.activeTranscoder.Load()
}

// QueueDepth exposes the last recorded queue depth.
func (r *Recorder) QueueDepth() int64 {
	return r.queueDepth.Load()
}

// IngestCounts returns copies of the ingest attempt and failure counters.
func (r *Recorder) IngestCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.ingestAttempts), copyCounts(r.ingestFailures)
}

// AssetEventCounts returns a copy of the asset transition counters.
func (r *Recorder) AssetEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.assetEvents)
}

// TokenCheckCounts returns a copy of the token validation counters.
func (r *Recorder) TokenCheckCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.tokenChecks)
}

// DeliveryCounts returns copies of the delivery response and byte counters.
func (r *Recorder) DeliveryCounts() (responses map[DeliveryLabel]uint64, bytes map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	responses = make(map[DeliveryLabel]uint64, len(r.deliveryCount))
	for k, v := range r.deliveryCount {
		responses[k] = v
	}
	return responses, copyCounts(r.deliveryBytes)
}

// TranscoderJobCounts returns copies of the job event counters and the
// active gauge.
func (r *Recorder) TranscoderJobCounts() (events map[TranscoderJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[TranscoderJobLabel]uint64, len(r.transcoderEvents))
	for k, v := range r.transcoderEvents {
		events[k] = v
	}
	return events, r.activeTranscoder.Load()
}

// Reset clears all counters and gauges. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Recorder) resetLocked() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.assetEvents = make(map[string]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.ingestAttempts = make(map[string]uint64)
	r.ingestFailures = make(map[string]uint64)
	r.transcoderEvents = make(map[TranscoderJobLabel]uint64)
	r.deliveryCount = make(map[DeliveryLabel]uint64)
	r.deliveryBytes = make(map[string]uint64)
	r.tokenChecks = make(map[string]uint64)
	r.activeTranscoder.Store(0)
	r.queueDepth.Store(0)
}

// Handler serves the Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders metrics in Prometheus text format with sorted label sets.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP bitriver_vod_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_asset_events_total Asset status transitions by target status")
	fmt.Fprintln(w, "# TYPE bitriver_vod_asset_events_total counter")
	for _, status := range sortedKeys(r.assetEvents) {
		fmt.Fprintf(w, "bitriver_vod_asset_events_total{status=\"%s\"} %d\n", status, r.assetEvents[status])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_ingest_attempts_total Ingest stages attempted")
	fmt.Fprintln(w, "# TYPE bitriver_vod_ingest_attempts_total counter")
	stages := r.sortedIngestStages()
	for _, stage := range stages {
		fmt.Fprintf(w, "bitriver_vod_ingest_attempts_total{stage=\"%s\"} %d\n", stage, r.ingestAttempts[stage])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_ingest_failures_total Ingest stage failures")
	fmt.Fprintln(w, "# TYPE bitriver_vod_ingest_failures_total counter")
	for _, stage := range stages {
		fmt.Fprintf(w, "bitriver_vod_ingest_failures_total{stage=\"%s\"} %d\n", stage, r.ingestFailures[stage])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_transcoder_jobs_total Transcode job events by encoder kind and status")
	fmt.Fprintln(w, "# TYPE bitriver_vod_transcoder_jobs_total counter")
	for _, label := range r.sortedTranscoderJobLabels() {
		fmt.Fprintf(w, "bitriver_vod_transcoder_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.transcoderEvents[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_transcoder_active_jobs Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE bitriver_vod_transcoder_active_jobs gauge")
	fmt.Fprintf(w, "bitriver_vod_transcoder_active_jobs %d\n", r.activeTranscoder.Load())

	fmt.Fprintln(w, "# HELP bitriver_vod_queue_depth Jobs waiting for a worker")
	fmt.Fprintln(w, "# TYPE bitriver_vod_queue_depth gauge")
	fmt.Fprintf(w, "bitriver_vod_queue_depth %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP bitriver_vod_delivery_responses_total Playback responses by kind and status")
	fmt.Fprintln(w, "# TYPE bitriver_vod_delivery_responses_total counter")
	for _, label := range r.sortedDeliveryLabels() {
		fmt.Fprintf(w, "bitriver_vod_delivery_responses_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.deliveryCount[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_delivery_bytes_total Playback body bytes sent by kind")
	fmt.Fprintln(w, "# TYPE bitriver_vod_delivery_bytes_total counter")
	for _, kind := range sortedKeys(r.deliveryBytes) {
		fmt.Fprintf(w, "bitriver_vod_delivery_bytes_total{kind=\"%s\"} %d\n", kind, r.deliveryBytes[kind])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_token_checks_total Playback token validations by result")
	fmt.Fprintln(w, "# TYPE bitriver_vod_token_checks_total counter")
	for _, result := range sortedKeys(r.tokenChecks) {
		fmt.Fprintf(w, "bitriver_vod_token_checks_total{result=\"%s\"} %d\n", result, r.tokenChecks[result])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_dependency_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE bitriver_vod_dependency_health gauge")
	services := make([]string, 0, len(r.dependencyValue))
	for service := range r.dependencyValue {
		services = append(services, service)
	}
	sort.Strings(services)
	for _, service := range services {
		fmt.Fprintf(w, "bitriver_vod_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.dependencyState[service], r.dependencyValue[service])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedIngestStages() []string {
	seen := make(map[string]uint64, len(r.ingestAttempts)+len(r.ingestFailures))
	for op := range r.ingestAttempts {
		seen[op] = 0
	}
	for op := range r.ingestFailures {
		seen[op] = 0
	}
	return sortedKeys(seen)
}

func (r *Recorder) sortedTranscoderJobLabels() []TranscoderJobLabel {
	labels := make([]TranscoderJobLabel, 0, len(r.transcoderEvents))
	for label := range r.transcoderEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedDeliveryLabels() []DeliveryLabel {
	labels := make([]DeliveryLabel, 0, len(r.deliveryCount))
	for label := range r.deliveryCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// normalizePath collapses ids and segment numbers so label cardinality stays
// bounded: /assets/<uuid>/video/segment-0001.m4s becomes
// /assets/:id/video/:segment.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if strings.Contains(part, ".") {
			if countDigits(part) >= 3 {
				parts[i] = ":segment"
			}
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	return countDigits(segment) >= 3
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
