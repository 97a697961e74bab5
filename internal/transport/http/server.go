package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	sloghttp "github.com/samber/slog-http"

	channelRepo "github.com/carscout/carscout/internal/modules/channel/repository"
	feedService "github.com/carscout/carscout/internal/modules/feed/service"
)

// Server exposes the operator-facing admin surface: health, channel
// counters and the candidate feed.
type Server struct {
	port        string
	channelRepo channelRepo.Repository
	feedService *feedService.Service
	state       func() string
	pending     func() int
	logger      *slog.Logger

	httpServer *http.Server
}

func New(port string, channelRepo channelRepo.Repository, feedService *feedService.Service,
	state func() string, pending func() int) *Server {
	return &Server{
		port:        port,
		channelRepo: channelRepo,
		feedService: feedService,
		state:       state,
		pending:     pending,
		logger:      slog.Default(),
	}
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /feed.xml", s.handleFeed)

	addr := fmt.Sprintf(":%s", s.port)
	s.logger.Info("Admin server starting", "addr", addr)

	handler := sloghttp.Recovery(mux)
	handler = sloghttp.New(s.logger)(handler)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"session_state":  s.state(),
		"pending_groups": s.pending(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channelRepo.GetAll(r.Context())
	if err != nil {
		s.logger.Error("Failed to list channels", "error", err)
		http.Error(w, "Failed to list channels", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"channels": channels})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	baseURL := fmt.Sprintf("%s://%s", getScheme(r), r.Host)

	feed, err := s.feedService.GenerateFeed(r.Context(), baseURL)
	if err != nil {
		s.logger.Error("Error generating feed", "error", err)
		http.Error(w, "Failed to generate feed", http.StatusInternalServerError)
		return
	}

	rss, err := feed.ToRss()
	if err != nil {
		s.logger.Error("Error converting feed to RSS", "error", err)
		http.Error(w, "Failed to generate RSS", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(rss))
}

func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
