// Package api exposes the HTTP surface: the WebSocket event stream and the
// health endpoint. Everything else reaches the system through the service
// layer and the workflow queue.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reflector-media/reflector/pkg/dag"
	"github.com/reflector-media/reflector/pkg/events"
)

// ConsentCleaner scrubs declined speakers from a finished transcript.
type ConsentCleaner interface {
	ApplyConsent(ctx context.Context, transcriptID string, declinedSpeakers []int) error
}

// Server is the HTTP server.
type Server struct {
	db          *pgxpool.Pool
	workers     *dag.WorkerPool
	connManager *events.ConnectionManager
	cleaner     ConsentCleaner
	tokens      map[string]string
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer assembles the server. tokens maps bearer tokens to user ids for
// WebSocket authentication.
func NewServer(db *pgxpool.Pool, workers *dag.WorkerPool, connManager *events.ConnectionManager, cleaner ConsentCleaner, tokens map[string]string, logger *slog.Logger) *Server {
	return &Server{
		db:          db,
		workers:     workers,
		connManager: connManager,
		cleaner:     cleaner,
		tokens:      tokens,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleWS)
	r.POST("/v1/transcripts/:id/consent", s.handleConsentCleanup)
	return r
}

// handleConsentCleanup scrubs the listed speaker indices from a transcript
// and deletes its stored audio. Used when a participant withdraws or never
// gave recording consent.
func (s *Server) handleConsentCleanup(c *gin.Context) {
	if s.cleaner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cleanup not available"})
		return
	}

	var body struct {
		DeclinedSpeakers []int `json:"declined_speakers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	id := c.Param("id")
	if err := s.cleaner.ApplyConsent(c.Request.Context(), id, body.DeclinedSpeakers); err != nil {
		s.logger.Error("Consent cleanup failed", "transcript_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
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

// handleHealth reports database reachability, queue depth, and the number
// of connected WebSocket clients.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{"status": "healthy"}
	if s.connManager != nil {
		body["connections"] = s.connManager.ActiveConnections()
	}
	if s.workers != nil {
		if h, err := s.workers.Health(ctx); err == nil {
			body["queue"] = h
		}
	}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}
