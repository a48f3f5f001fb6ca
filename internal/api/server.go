// Package api provides the HTTP control API and the WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/atlas-desktop/trading-pipeline/internal/monitor"
	"github.com/atlas-desktop/trading-pipeline/internal/orchestrator"
	"github.com/atlas-desktop/trading-pipeline/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config contains server configuration.
type Config struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout" validate:"gt=0"`
	CycleTimeout   time.Duration `json:"cycleTimeout" mapstructure:"cycle_timeout" validate:"gt=0"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins"`
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   2 * time.Minute,
		CycleTimeout:   90 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	hub      *Hub
	coord    *orchestrator.Coordinator
	gateway  *execution.Gateway
	recorder *monitor.Recorder
	metrics  *metrics.Metrics
	symbols  []string
}

// NewServer creates a new API server. m may be nil, in which case
// /metrics is not served.
func NewServer(
	logger *zap.Logger,
	config Config,
	coord *orchestrator.Coordinator,
	recorder *monitor.Recorder,
	hub *Hub,
	m *metrics.Metrics,
	symbols []string,
) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		config:   config,
		router:   mux.NewRouter(),
		hub:      hub,
		coord:    coord,
		gateway:  coord.Gateway,
		recorder: recorder,
		metrics:  m,
		symbols:  symbols,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	api.HandleFunc("/performance", s.handlePerformance).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleClearAlerts).Methods(http.MethodDelete)

	api.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/breaker/reset", s.handleResetBreaker).Methods(http.MethodPost)
	api.HandleFunc("/cycle", s.handleCycle).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Router returns the router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) mode() string {
	if s.gateway.IsLive() {
		return "live"
	}
	return "paper"
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"mode":   s.mode(),
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	engine := s.coord.Risk
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workflow":       s.coord.Status(),
		"agents":         s.coord.Agents(),
		"mode":           s.mode(),
		"symbols":        s.symbols,
		"accountBalance": engine.Balance(),
		"dailyRiskUsed":  engine.DailyRiskUsed(),
		"dailyRiskLimit": engine.DailyLimit(),
		"realizedLoss":   s.gateway.DailyLoss(),
		"openPositions":  len(s.gateway.OpenPositions()),
		"wsClients":      s.hub.ClientCount(),
		"eventsRecorded": s.recorder.EventsCount(),
		"timestamp":      time.Now().UTC(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	history := s.coord.History(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"open":   s.gateway.OpenPositions(),
		"closed": s.gateway.ClosedPositions(),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.recorder.Report(s.gateway.Performance()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	level := monitor.Level(r.URL.Query().Get("level"))
	switch level {
	case "", monitor.LevelInfo, monitor.LevelWarning, monitor.LevelCritical:
	default:
		s.writeError(w, http.StatusBadRequest, "level must be INFO, WARNING or CRITICAL")
		return
	}
	alerts := s.recorder.Alerts(level)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	s.recorder.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "Paused by operator"
	}
	s.coord.Pause(req.Reason)
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.coord.Resume()
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	s.coord.ResetBreaker()
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

type cycleRequest struct {
	Symbols []string `json:"symbols"`
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	symbols := s.symbols
	if len(req.Symbols) > 0 {
		symbols = make([]string, 0, len(req.Symbols))
		for _, sym := range req.Symbols {
			if _, _, err := utils.ParseSymbol(sym); err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			symbols = append(symbols, utils.FormatSymbol(sym))
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CycleTimeout)
	defer cancel()

	msg := s.coord.RunCycle(ctx, symbols)
	s.writeJSON(w, http.StatusOK, msg)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", err)
}

// handleWebSocket upgrades the connection and streams bus events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
