package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"buyback_feed/metrics"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	EventsIngested  uint64            `json:"events_ingested"`
	EventsRejected  uint64            `json:"events_rejected"`
	LastIngest      *time.Time        `json:"last_ingest,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	ComponentStatus map[string]string `json:"component_status"`
}

var (
	startTime    = time.Now()
	mu           sync.RWMutex
	lastError    string
	healthChecks = make(map[string]func() bool)
)

// RegisterHealthCheck adds a named component probe to the health report.
func RegisterHealthCheck(name string, check func() bool) {
	mu.Lock()
	defer mu.Unlock()
	healthChecks[name] = check
}

func RecordError(err error) {
	if err == nil {
		return
	}
	mu.Lock()
	lastError = err.Error()
	mu.Unlock()
}

func Check() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	processed, rejected, last, _ := metrics.GetStats()

	mu.RLock()
	defer mu.RUnlock()

	status := HealthStatus{
		Status:          "ok",
		Uptime:          time.Since(startTime).Round(time.Second).String(),
		StartTime:       startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		EventsIngested:  processed,
		EventsRejected:  rejected,
		LastError:       lastError,
		ComponentStatus: make(map[string]string, len(healthChecks)),
	}
	if processed > 0 {
		status.LastIngest = &last
	}

	for name, check := range healthChecks {
		if check() {
			status.ComponentStatus[name] = "healthy"
		} else {
			status.ComponentStatus[name] = "unhealthy"
			status.Status = "degraded"
		}
	}
	return status
}

func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := Check()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
