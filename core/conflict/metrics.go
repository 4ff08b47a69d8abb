package conflict

import (
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Metrics is a point-in-time view of engine counters.
type Metrics struct {
	Detected            int64            `json:"detected"`
	Resolved            int64            `json:"resolved"`
	AutoResolved        int64            `json:"autoResolved"`
	AutoResolveFailures int64            `json:"autoResolveFailures"`
	StrategyFailures    int64            `json:"strategyFailures"`
	Active              int              `json:"active"`
	ByType              map[Type]int64   `json:"byType"`
	ByStrategy          map[string]int64 `json:"byStrategy"`

	// AverageResolutionTime is the running mean over every resolution.
	AverageResolutionTime time.Duration `json:"averageResolutionTime"`
	// P95ResolutionTime and StdDevResolutionTime cover the recent sample window.
	P95ResolutionTime    time.Duration `json:"p95ResolutionTime"`
	StdDevResolutionTime time.Duration `json:"stdDevResolutionTime"`
}

type metrics struct {
	mu sync.Mutex

	detected       int64
	resolved       int64
	autoResolved   int64
	autoFailures   int64
	strategyFailed int64
	byType         map[Type]int64
	byStrategy     map[string]int64

	averageSeconds float64

	// samples is a ring of recent resolution times in seconds
	samples    []float64
	next       int
	maxSamples int
}

func newMetrics(maxSamples int) *metrics {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &metrics{
		byType:     make(map[Type]int64),
		byStrategy: make(map[string]int64),
		samples:    make([]float64, 0, maxSamples),
		maxSamples: maxSamples,
	}
}

func (m *metrics) recordDetected(t Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detected++
	m.byType[t]++
}

func (m *metrics) recordResolved(strategy string, elapsed time.Duration, auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolved++
	m.byStrategy[strategy]++
	if auto {
		m.autoResolved++
	}

	seconds := max(elapsed.Seconds(), 0)
	m.averageSeconds += (seconds - m.averageSeconds) / float64(m.resolved)

	if len(m.samples) < m.maxSamples {
		m.samples = append(m.samples, seconds)
		return
	}
	m.samples[m.next] = seconds
	m.next = (m.next + 1) % m.maxSamples
}

func (m *metrics) recordStrategyFailure() {
	m.mu.Lock()
	m.strategyFailed++
	m.mu.Unlock()
}

func (m *metrics) recordAutoFailure() {
	m.mu.Lock()
	m.autoFailures++
	m.mu.Unlock()
}

func (m *metrics) snapshot(active int) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		Detected:              m.detected,
		Resolved:              m.resolved,
		AutoResolved:          m.autoResolved,
		AutoResolveFailures:   m.autoFailures,
		StrategyFailures:      m.strategyFailed,
		Active:                active,
		ByType:                make(map[Type]int64, len(m.byType)),
		ByStrategy:            make(map[string]int64, len(m.byStrategy)),
		AverageResolutionTime: seconds(m.averageSeconds),
	}
	for k, v := range m.byType {
		out.ByType[k] = v
	}
	for k, v := range m.byStrategy {
		out.ByStrategy[k] = v
	}

	if len(m.samples) > 0 {
		sorted := slices.Clone(m.samples)
		slices.Sort(sorted)
		out.P95ResolutionTime = seconds(stat.Quantile(0.95, stat.Empirical, sorted, nil))
		if len(sorted) > 1 {
			_, std := stat.MeanStdDev(sorted, nil)
			out.StdDevResolutionTime = seconds(std)
		}
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
