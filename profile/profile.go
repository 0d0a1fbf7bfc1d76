// Package profile times named sections of the tick loop and keeps per app
// execution statistics.
package profile

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// SlowThreshold defines executions considered slow.
	SlowThreshold = 50 * time.Millisecond
	// maxErrorMessageLength is the maximum length of error messages stored.
	maxErrorMessageLength = 128
)

// Named sections.
const (
	SectionLoad     = "apphost load"
	SectionSchedule = "apphost schedule"
	SectionAppData  = "apphost app data"
)

// AppStats summarizes the executions of one app.
type AppStats struct {
	App         string
	Calls       uint64
	Errors      uint64
	Slow        uint64
	Total       time.Duration
	Max         time.Duration
	LastError   string
	LastErrorAt time.Time
}

func (a AppStats) Mean() time.Duration {
	if a.Calls == 0 {
		return 0
	}
	return a.Total / time.Duration(a.Calls)
}

// Profiler is safe for concurrent use. A nil Profiler records nothing.
type Profiler struct {
	registry *prometheus.Registry
	sections *prometheus.HistogramVec
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu   sync.Mutex
	apps map[string]*AppStats
}

func New(namespace string) *Profiler {
	if namespace == "" {
		namespace = "apphost"
	}
	p := &Profiler{
		registry: prometheus.NewRegistry(),
		apps:     map[string]*AppStats{},
	}
	p.sections = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "section",
			Name:      "duration_seconds",
			Help:      "Duration of named tick loop sections.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"section"},
	)
	p.calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "calls_total",
			Help:      "App entry point calls.",
		},
		[]string{"app", "outcome"},
	)
	p.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "call_duration_seconds",
			Help:      "App entry point call duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app"},
	)
	p.registry.MustRegister(p.sections, p.calls, p.duration)
	return p
}

// Registry returns the registry holding the profiler collectors.
func (p *Profiler) Registry() *prometheus.Registry {
	return p.registry
}

// Start opens section and returns the func closing it.
func (p *Profiler) Start(section string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.sections.WithLabelValues(section).Observe(time.Since(start).Seconds())
	}
}

// Record registers a call into app that took d and failed with err, if any.
func (p *Profiler) Record(app string, d time.Duration, err error) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.calls.WithLabelValues(app, outcome).Inc()
	p.duration.WithLabelValues(app).Observe(d.Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	stats, found := p.apps[app]
	if !found {
		stats = &AppStats{App: app}
		p.apps[app] = stats
	}
	stats.Calls++
	stats.Total += d
	if d > stats.Max {
		stats.Max = d
	}
	if d >= SlowThreshold {
		stats.Slow++
	}
	if err != nil {
		stats.Errors++
		msg := err.Error()
		if len(msg) > maxErrorMessageLength {
			msg = msg[:maxErrorMessageLength]
		}
		stats.LastError = msg
		stats.LastErrorAt = time.Now()
	}
}

// Apps returns the stats of every app, ordered by total time spent, most first.
func (p *Profiler) Apps() []AppStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]AppStats, 0, len(p.apps))
	for _, stats := range p.apps {
		result = append(result, *stats)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Total != result[j].Total {
			return result[i].Total > result[j].Total
		}
		return result[i].App < result[j].App
	})
	return result
}

// Forget drops the stats of app.
func (p *Profiler) Forget(app string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.apps, app)
}
