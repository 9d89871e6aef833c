package run

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

type metrics struct {
	started   atomic.Int64
	completed atomic.Int64
	degraded  atomic.Int64
	failed    atomic.Int64
}

func (m *metrics) incStarted()   { m.started.Add(1) }
func (m *metrics) incCompleted() { m.completed.Add(1) }
func (m *metrics) incDegraded()  { m.degraded.Add(1) }
func (m *metrics) incFailed()    { m.failed.Add(1) }

func (s *Server) metricsServe(ctxDone <-chan struct{}, addr string, logger interface {
	Infof(string, ...any)
	Warnf(string, ...any)
}) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "recall_sessions_started_total %d\n", s.metrics.started.Load())
		fmt.Fprintf(w, "recall_sessions_completed_total %d\n", s.metrics.completed.Load())
		fmt.Fprintf(w, "recall_sessions_degraded_total %d\n", s.metrics.degraded.Load())
		fmt.Fprintf(w, "recall_sessions_failed_total %d\n", s.metrics.failed.Load())
	})
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		<-ctxDone
		_ = server.Close()
	}()
	logger.Infof("metrics listening on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
		logger.Warnf("metrics server: %v", err)
	}
}
