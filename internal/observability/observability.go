// Package observability provides the Metrics sink the design notes in
// spec.md §9 call for ("observability as a port"): counters for ingress
// drops by reason and timers for request latencies, with a no-op default
// and a Prometheus text-exposition sink. No process-wide state; every
// component that wants metrics takes a Metrics value in its Config.
package observability

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics is the counters/timers sink consumed by the transport layer.
type Metrics interface {
	Counter(name string, n int64, tags ...string)
	Observe(name string, v float64, tags ...string)
}

// Noop discards every observation; the default when no sink is configured.
type Noop struct{}

func (Noop) Counter(string, int64, ...string) {}
func (Noop) Observe(string, float64, ...string) {}

// key identifies a counter/histogram by name plus its sorted tag set.
type key struct {
	name string
	tags string
}

// Registry is an in-process Metrics sink that can render itself as
// Prometheus text exposition format, grounded on the plain-text/line
// protocol style the teacher's health-check endpoints already use rather
// than importing a client none of the retrieved examples depend on
// (see DESIGN.md).
type Registry struct {
	mu       sync.Mutex
	counters map[key]int64
	obsSum   map[key]float64
	obsCount map[key]int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[key]int64),
		obsSum:   make(map[key]float64),
		obsCount: make(map[key]int64),
	}
}

func tagKey(name string, tags []string) key {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return key{name: name, tags: strings.Join(sorted, ",")}
}

// Counter increments a named counter by n, optionally labeled with tags.
func (r *Registry) Counter(name string, n int64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[tagKey(name, tags)] += n
}

// Observe records a single sample for a named histogram/timer.
func (r *Registry) Observe(name string, v float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := tagKey(name, tags)
	r.obsSum[k] += v
	r.obsCount[k]++
}

// WriteText renders the registry in Prometheus text exposition format.
func (r *Registry) WriteText() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf bytes.Buffer
	names := make([]string, 0, len(r.counters))
	for k := range r.counters {
		names = append(names, k.name+"|"+k.tags)
	}
	sort.Strings(names)
	for _, nk := range names {
		idx := strings.LastIndex(nk, "|")
		name, tags := nk[:idx], nk[idx+1:]
		k := key{name: name, tags: tags}
		fmt.Fprintf(&buf, "pulsemesh_%s_total%s %d\n", name, labelSuffix(tags), r.counters[k])
	}

	obsNames := make([]string, 0, len(r.obsCount))
	for k := range r.obsCount {
		obsNames = append(obsNames, k.name+"|"+k.tags)
	}
	sort.Strings(obsNames)
	for _, nk := range obsNames {
		idx := strings.LastIndex(nk, "|")
		name, tags := nk[:idx], nk[idx+1:]
		k := key{name: name, tags: tags}
		suffix := labelSuffix(tags)
		fmt.Fprintf(&buf, "pulsemesh_%s_sum%s %g\n", name, suffix, r.obsSum[k])
		fmt.Fprintf(&buf, "pulsemesh_%s_count%s %d\n", name, suffix, r.obsCount[k])
	}
	return buf.Bytes()
}

func labelSuffix(tags string) string {
	if tags == "" {
		return ""
	}
	parts := strings.Split(tags, ",")
	labels := make([]string, len(parts))
	for i, p := range parts {
		labels[i] = fmt.Sprintf("tag=%q", p)
	}
	return "{" + strings.Join(labels, ",") + "}"
}

// Timer measures the duration of an operation and records it via Observe
// when stopped, matching the "timers for request latencies" requirement in
// spec.md §9.
type Timer struct {
	m      Metrics
	name   string
	tags   []string
	start  time.Time
}

// StartTimer begins timing an operation against m.
func StartTimer(m Metrics, name string, tags ...string) *Timer {
	return &Timer{m: m, name: name, tags: tags, start: time.Now()}
}

// Stop records the elapsed duration in seconds.
func (t *Timer) Stop() {
	t.m.Observe(t.name, time.Since(t.start).Seconds(), t.tags...)
}
