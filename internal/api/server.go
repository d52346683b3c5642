package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Server provides a small REST API for observing and controlling a running
// crawl from outside the process.
type Server struct {
	mux    *http.ServeMux
	port   int
	logger *slog.Logger

	crawlCtrl CrawlController
}

// CrawlController is the interface the API uses to observe and control a
// pool-driven crawl. It has no Start: the crawl's seed requests are supplied
// at construction, and Run blocks until the crawl finishes or is aborted.
type CrawlController interface {
	Stop()
	Pause()
	Resume()
	HandledCount() int
	RunningCount() int
	Concurrency() int
	IsAborted() bool
	IsMemoryOverloaded() bool
	IsCpuOverloaded() bool
}

// NewServer creates a new API server.
func NewServer(port int, logger *slog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		port:   port,
		logger: logger.With("component", "api_server"),
	}

	s.registerRoutes()
	return s
}

// SetCrawl sets the crawl controller backing the control routes.
func (s *Server) SetCrawl(crawl CrawlController) {
	s.crawlCtrl = crawl
}

// Start starts the API server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)

	go func() {
		if err := http.ListenAndServe(addr, s.mux); err != nil {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/resume", s.handleResume)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": "dev",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.crawlCtrl == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "crawl not initialized"})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"handled_count":     s.crawlCtrl.HandledCount(),
		"running_count":     s.crawlCtrl.RunningCount(),
		"concurrency":       s.crawlCtrl.Concurrency(),
		"aborted":           s.crawlCtrl.IsAborted(),
		"memory_overloaded": s.crawlCtrl.IsMemoryOverloaded(),
		"cpu_overloaded":    s.crawlCtrl.IsCpuOverloaded(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.crawlCtrl != nil {
		s.crawlCtrl.Stop()
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.crawlCtrl != nil {
		s.crawlCtrl.Pause()
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.crawlCtrl != nil {
		s.crawlCtrl.Resume()
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
