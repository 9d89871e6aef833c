package run

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"recall/internal/capture"
	"recall/internal/config"
	"recall/internal/control"
	"recall/internal/pipeline"
	"recall/internal/store"

	"github.com/sirupsen/logrus"
)

const statusTail = 10

// Server manages the capture lifecycle, session pipelines, metrics, and
// the control socket.
type Server struct {
	cfg       *config.Config
	logger    *logrus.Logger
	manager   *capture.Manager
	pipe      *pipeline.Pipeline
	store     *store.Store
	startedAt time.Time

	sessionsMu sync.Mutex
	sessions   []control.SessionSummary

	metrics metrics
	wg      sync.WaitGroup
}

// Serve runs the daemon until interrupted.
func Serve(cfg *config.Config, logger *logrus.Logger) error {
	if err := config.MustStatePaths(cfg); err != nil {
		return err
	}
	// Write pid file.
	if err := os.WriteFile(cfg.Paths.PidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(cfg.Paths.PidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("remove pid file: %v", err)
		}
	}()
	// Ensure socket removed
	if err := os.Remove(cfg.Paths.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debugf("remove stale socket: %v", err)
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.Passphrase)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}()

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		manager:   capture.NewManager(cfg, logger, &capture.PortAudioSource{DeviceName: cfg.Audio.DeviceName}),
		pipe:      pipeline.New(cfg, logger),
		store:     st,
		startedAt: time.Now(),
		sessions:  make([]control.SessionSummary, 0, statusTail),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control socket
	go srv.controlLoop(ctx)

	// Metrics server
	if cfg.Metrics.Enabled {
		go srv.metricsServe(ctx.Done(), cfg.Metrics.Addr, logger)
	}

	// Handle signals
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case s := <-sigCh:
		logger.Infof("received signal %s, shutting down", s)
		cancel()
	case <-ctx.Done():
	}
	// A recording in flight is sealed and processed before exit.
	if path, err := srv.manager.Stop(); err == nil {
		srv.startPipeline(context.Background(), path, srv.manager.StartedAt())
	}
	// Wait for in-flight pipelines to drain
	srv.wg.Wait()
	return nil
}

// startPipeline processes a sealed recording asynchronously. Stopping a
// new recording never waits on older sessions.
func (s *Server) startPipeline(ctx context.Context, wavPath string, startedAt time.Time) {
	s.metrics.incStarted()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := s.pipe.Process(ctx, s.store, wavPath, s.cfg.API.Base, startedAt)
		if err != nil {
			s.metrics.incFailed()
			s.logger.Errorf("session %s pipeline: %v", out.SessionID, err)
			s.recordSession(control.SessionSummary{
				SessionID:  out.SessionID,
				Status:     "failed (raw audio retained)",
				Degraded:   true,
				FinishedAt: time.Now(),
			})
			return
		}
		s.metrics.incCompleted()
		if out.Degraded {
			s.metrics.incDegraded()
		}
		s.recordSession(control.SessionSummary{
			SessionID:  out.SessionID,
			Status:     out.Status,
			Degraded:   out.Degraded,
			FinishedAt: time.Now(),
		})
	}()
}

func (s *Server) recordSession(sum control.SessionSummary) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions = append(s.sessions, sum)
	if len(s.sessions) > statusTail {
		s.sessions = s.sessions[len(s.sessions)-statusTail:]
	}
}

func (s *Server) copySessions() []control.SessionSummary {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]control.SessionSummary, len(s.sessions))
	copy(out, s.sessions)
	return out
}

func (s *Server) controlLoop(ctx context.Context) {
	ln, err := net.Listen("unix", s.cfg.Paths.SocketPath)
	if err != nil {
		s.logger.Errorf("control listen: %v", err)
		return
	}
	defer func() {
		if err := ln.Close(); err != nil && ctx.Err() == nil {
			s.logger.Warnf("control listener close: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorf("control accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil && ctx.Err() == nil {
			s.logger.Warnf("control connection close: %v", err)
		}
	}()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	var req control.Request
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		return
	}
	enc := json.NewEncoder(conn)
	switch req.Op {
	case "record-start":
		err := s.manager.Start()
		resp := control.RecordResponse{OK: err == nil, State: s.manager.State().String()}
		if err != nil {
			resp.Error = err.Error()
		}
		_ = enc.Encode(resp)
	case "record-stop":
		startedAt := s.manager.StartedAt()
		path, err := s.manager.Stop()
		resp := control.RecordResponse{OK: err == nil, State: s.manager.State().String(), Path: path}
		if err != nil {
			resp.Error = err.Error()
		} else {
			s.startPipeline(context.Background(), path, startedAt)
		}
		_ = enc.Encode(resp)
	case "status":
		_ = enc.Encode(control.Status{
			Running:   true,
			UptimeSec: time.Since(s.startedAt).Seconds(),
			Capture:   s.manager.State().String(),
			Sessions:  s.copySessions(),
		})
	case "health":
		_ = enc.Encode(control.SimpleResponse{OK: true, Message: "ok"})
	default:
		// ignore unknown
	}
}
