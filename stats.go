package setview

import (
	"sync"
	"time"

	"github.com/lt1946/setview/header"
	"github.com/lt1946/setview/store"
	"github.com/lt1946/setview/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var updaterRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "updater_runs",
}, []string{"sig", "type"})

var updaterResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "updater_results",
}, []string{"sig", "type", "result"})

var updateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "update_duration",
	Buckets:   []float64{0, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
}, []string{"sig", "type"})

var cleanerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "cleaner_runs",
}, []string{"sig", "type"})

var cleanerResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "cleaner_results",
}, []string{"sig", "type", "result"})

var cleanupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "cleanup_duration",
	Buckets:   []float64{0, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
}, []string{"sig", "type"})

var compactorRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "compactor_runs",
}, []string{"sig", "type"})

var compactorResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "compactor_results",
}, []string{"sig", "type", "result"})

var compactorRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "compactor_retries",
}, []string{"sig", "type"})

var compactionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "compaction_duration",
	Buckets:   []float64{0, 1, 5, 10, 30, 60, 120, 300, 600},
}, []string{"sig", "type"})

var waitingClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "waiting_clients",
}, []string{"sig", "type"})

var partitionCounts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "setview",
	Subsystem: "group",
	Name:      "partitions",
}, []string{"sig", "type", "role"})

// HistoryEntry is one record in the bounded ring of recent background
// task runs.
type HistoryEntry struct {
	Kind      string        `json:"type"`
	TaskID    string        `json:"task_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Inserted  int64         `json:"inserted,omitempty"`
	Deleted   int64         `json:"deleted,omitempty"`
	Result    string        `json:"result"`
}

// Stats aggregates per-group counters and the task history ring. The
// table is process-wide, keyed by signature and group type, so a
// re-opened group keeps its numbers.
type Stats struct {
	mu sync.Mutex

	Updates     int64
	Cleanups    int64
	Compactions int64

	updateAvg  *utils.AvgVal
	cleanupAvg *utils.AvgVal

	historySize int
	history     []HistoryEntry

	sig string
	typ string
}

var statsTable = xsync.NewMapOf[string, *Stats]()

func statsFor(sig header.Signature, typ store.GroupType, historySize int) *Stats {
	key := string(typ) + "/" + sig.String()
	s, _ := statsTable.LoadOrCompute(key, func() *Stats {
		return &Stats{
			historySize: historySize,
			sig:         sig.String(),
			typ:         string(typ),
		}
	})
	return s
}

func recordHistory(s *Stats, e HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case "update":
		s.Updates++
		if s.updateAvg == nil {
			s.updateAvg = utils.NewAvgVal(e.Duration.Seconds())
		} else {
			s.updateAvg.Add(e.Duration.Seconds())
		}
	case "cleanup":
		s.Cleanups++
		if s.cleanupAvg == nil {
			s.cleanupAvg = utils.NewAvgVal(e.Duration.Seconds())
		} else {
			s.cleanupAvg.Add(e.Duration.Seconds())
		}
	case "compaction":
		s.Compactions++
	}
	s.history = append(s.history, e)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

// History returns the recent task records, oldest first.
func (s *Stats) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

// Counts returns the lifetime task counters.
func (s *Stats) Counts() (updates, cleanups, compactions int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Updates, s.Cleanups, s.Compactions
}

// Averages returns the running mean durations, in seconds.
func (s *Stats) Averages() (update, cleanup float64) {
	s.mu.Lock()
	ua, ca := s.updateAvg, s.cleanupAvg
	s.mu.Unlock()
	if ua != nil {
		update = ua.Val()
	}
	if ca != nil {
		cleanup = ca.Val()
	}
	return update, cleanup
}

func setWaitingClients(s *Stats, n int) {
	waitingClients.WithLabelValues(s.sig, s.typ).Set(float64(n))
}

func updatePartitionGauges(s *Stats, h *header.Header) {
	partitionCounts.WithLabelValues(s.sig, s.typ, "active").Set(float64(h.Abitmask.Count()))
	partitionCounts.WithLabelValues(s.sig, s.typ, "passive").Set(float64(h.Pbitmask.Count()))
	partitionCounts.WithLabelValues(s.sig, s.typ, "cleanup").Set(float64(h.Cbitmask.Count()))
}

// RegisterMetrics adds the group metric vectors to a prometheus
// registry; callers that scrape must do this once.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		updaterRuns, updaterResults, updateDuration,
		cleanerRuns, cleanerResults, cleanupDuration,
		compactorRuns, compactorResults, compactorRetries, compactionDuration,
		waitingClients, partitionCounts,
	)
}
