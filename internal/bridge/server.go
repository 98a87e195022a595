// Package bridge runs the loopback HTTP server that spawned workers call
// back into: streaming chunks and skill lifecycle events, gated by a
// per-process bearer token.
package bridge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/httpmw"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events"
	"github.com/orchd/orchd/internal/tracing"
)

// Chunk is one streamed output fragment from a worker.
type Chunk struct {
	WorkerID  string     `json:"workerId" binding:"required"`
	JobID     string     `json:"jobId,omitempty"`
	Chunk     string     `json:"chunk"`
	Final     bool       `json:"final,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ChunkSink receives validated chunks; the task manager implements it and
// routes each chunk to its owning task.
type ChunkSink interface {
	HandleChunk(chunk Chunk) error
}

// workerEvent is the wire shape of POST /v1/events.
type workerEvent struct {
	Type string `json:"type" binding:"required"`
	Data struct {
		WorkerID   string `json:"workerId"`
		Skill      string `json:"skill"`
		Error      string `json:"error,omitempty"`
		Permission string `json:"permission,omitempty"`
	} `json:"data"`
}

// Server is the bridge HTTP server. It binds 127.0.0.1 only.
type Server struct {
	cfg    config.BridgeConfig
	token  string
	broker *events.Broker
	sink   ChunkSink
	logger *logger.Logger

	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	port       int
}

// NewServer creates the bridge. Extra routes (the websocket gateway, debug
// endpoints) can be mounted on Router before Start.
func NewServer(cfg config.BridgeConfig, token string, broker *events.Broker, sink ChunkSink, log *logger.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		token:  token,
		broker: broker,
		sink:   sink,
		logger: log.WithComponent("bridge"),
	}
	s.httpServer = &http.Server{Handler: s.buildRouter()}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpmw.RequestLogger(s.logger, "bridge"))
	router.Use(httpmw.Recovery(s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	v1.Use(s.authenticate())
	v1.Use(s.deadline())
	v1.POST("/stream/chunk", s.handleChunk)
	v1.POST("/events", s.handleEvent)

	s.router = router
	return router
}

// Router exposes the underlying engine for mounting extra routes.
func (s *Server) Router() *gin.Engine { return s.router }

// authenticate enforces the bearer token with a constant-time comparison.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"kind": "BridgeUnauthorized", "message": "invalid bridge token"},
			})
			return
		}
		c.Next()
	}
}

// deadline bounds request handling; handlers that blow through the budget
// answer 408 so a wedged worker cannot hold a connection open.
func (s *Server) deadline() gin.HandlerFunc {
	timeout := s.cfg.RequestTimeout()
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		if ctx.Err() != nil && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error": gin.H{"kind": "TaskTimeout", "message": "bridge request timed out"},
			})
		}
	}
}

func (s *Server) handleChunk(c *gin.Context) {
	var chunk Chunk
	if err := c.ShouldBindJSON(&chunk); err != nil {
		malformed(c, err.Error())
		return
	}
	if chunk.Chunk == "" && !chunk.Final {
		malformed(c, "chunk must carry text or be final")
		return
	}

	_, span := tracing.TraceBridgeRequest(c.Request.Context(), "chunk", chunk.WorkerID)
	defer span.End()

	err := s.sink.HandleChunk(chunk)
	tracing.RecordResult(span, err)
	if err != nil {
		// An unroutable chunk is the worker's problem, not a server fault;
		// report it but keep the stream alive.
		s.logger.Debug("dropped unroutable chunk",
			zap.String("worker_id", chunk.WorkerID),
			zap.String("job_id", chunk.JobID),
			zap.Error(err))
	}
	if c.Request.Context().Err() != nil {
		return // deadline middleware answers 408
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleEvent(c *gin.Context) {
	var ev workerEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		malformed(c, err.Error())
		return
	}

	var eventType events.Type
	switch ev.Type {
	case "skill.load.started":
		eventType = events.TypeSkillLoadStarted
	case "skill.load.completed":
		eventType = events.TypeSkillLoadCompleted
	case "skill.load.failed":
		eventType = events.TypeSkillLoadFailed
	case "skill.permission":
		eventType = events.TypeSkillPermission
	default:
		malformed(c, fmt.Sprintf("unknown event type %q", ev.Type))
		return
	}
	if ev.Data.Skill == "" {
		malformed(c, "event data requires a skill name")
		return
	}

	_, span := tracing.TraceBridgeRequest(c.Request.Context(), "event", ev.Data.WorkerID)
	defer span.End()
	tracing.RecordResult(span, nil)

	s.broker.Publish(events.New(eventType, events.SkillPayload{
		WorkerID:   ev.Data.WorkerID,
		Skill:      ev.Data.Skill,
		Error:      ev.Data.Error,
		Permission: ev.Data.Permission,
	}))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func malformed(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": gin.H{"kind": "BridgeMalformed", "message": msg},
	})
}

// Start binds the loopback listener and serves in the background. With port
// 0 the OS picks; Port and URL report the bound address afterwards.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge could not bind %s: %w", addr, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.logger.Info("bridge listening", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("bridge server error", zap.Error(err))
		}
	}()
	return nil
}

// Port returns the bound port; valid after Start.
func (s *Server) Port() int { return s.port }

// URL returns the bridge base URL workers should call; valid after Start.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Host, s.port)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
