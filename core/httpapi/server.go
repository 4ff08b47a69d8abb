// Package httpapi exposes the engines over HTTP: document editing, presence
// and conflict resolution, read-only inspection, and a server-sent event
// stream per document room.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adalundhe/coedit/core/conflict"
	"github.com/adalundhe/coedit/core/document"
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/presence"
	"github.com/adalundhe/coedit/core/relay"
	"github.com/adalundhe/coedit/core/rooms"
)

// Config configures a Server.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// StreamBuffer sizes each SSE client's event buffer.
	StreamBuffer int
	Logger       *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		StreamBuffer:      64,
		Logger:            slog.Default(),
	}
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaults.StreamBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	return cfg
}

// Deps are the components the API serves. Bus and Relay are optional.
type Deps struct {
	Documents *document.Engine
	Conflicts *conflict.Engine
	Presence  *presence.Tracker
	Hub       *rooms.Hub
	Bus       *events.Bus
	Relay     *relay.KafkaRelay
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

func NewServer(cfg Config, deps Deps) *Server {
	cfg = normalizeConfig(cfg)
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.health)
	r.GET("/metrics", s.metrics)

	r.POST("/documents", s.createDocument)
	docs := r.Group("/documents/:id")
	docs.GET("", s.getDocument)
	docs.GET("/history", s.getHistory)
	docs.GET("/conflicts", s.listConflicts)
	docs.GET("/presence", s.getDocumentPresence)
	docs.GET("/events", s.streamEvents)
	docs.POST("/participants", s.joinDocument)
	docs.DELETE("/participants/:user", s.leaveDocument)
	docs.POST("/changes", s.applyChange)
	docs.PUT("/cursor", s.updateDocumentCursor)

	r.GET("/conflicts/:id", s.getConflict)
	r.POST("/conflicts/:id/resolve", s.resolveConflict)

	r.POST("/presence", s.registerPresence)
	r.DELETE("/presence/connections/:conn", s.unregisterPresence)
	r.GET("/presence/users", s.listPresence)
	users := r.Group("/presence/users/:user")
	users.POST("/documents/:id", s.joinPresence)
	users.DELETE("/documents/:id", s.leavePresence)
	users.PUT("/cursor", s.updatePresenceCursor)
	users.PUT("/typing", s.setTyping)
	users.PUT("/status", s.updateStatus)
	return r
}

// requestLogger logs each request through slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(coreerrors.HTTPStatus(err), gin.H{
		"error": err.Error(),
		"kind":  coreerrors.KindOf(err).String(),
	})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, coreerrors.Newf(coreerrors.KindValidation, "httpapi", "query %s: %q is not an integer", name, raw)
	}
	return n, nil
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"documents": len(s.deps.Documents.Documents()),
	})
}

func (s *Server) metrics(c *gin.Context) {
	body := gin.H{
		"documents": s.deps.Documents.Stats(),
		"conflicts": s.deps.Conflicts.Metrics(),
		"presence": gin.H{
			"users":     len(s.deps.Presence.ActiveUsers()),
			"documents": len(s.deps.Presence.ActiveDocuments()),
		},
		"rooms": gin.H{
			"rooms":   len(s.deps.Hub.Rooms()),
			"dropped": s.deps.Hub.Dropped(),
		},
	}
	if s.deps.Bus != nil {
		published, dropped := s.deps.Bus.Stats()
		body["events"] = gin.H{"published": published, "dropped": dropped}
	}
	if s.deps.Relay != nil {
		body["relay"] = s.deps.Relay.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getDocument(c *gin.Context) {
	state, err := s.deps.Documents.GetState(c.Param("id"), c.Query("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) getHistory(c *gin.Context) {
	start, err := queryInt(c, "start", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	end, err := queryInt(c, "end", 0)
	if err != nil {
		writeError(c, err)
		return
	}

	history, err := s.deps.Documents.GetHistory(c.Param("id"), c.Query("user"), start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": history})
}

func (s *Server) listConflicts(c *gin.Context) {
	includeResolved := c.Query("resolved") == "true"
	found := s.deps.Conflicts.ListConflicts(c.Param("id"), includeResolved)

	summaries := make([]conflict.Summary, 0, len(found))
	for _, cf := range found {
		summaries = append(summaries, conflict.Summarize(cf))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": summaries})
}

func (s *Server) getConflict(c *gin.Context) {
	cf, err := s.deps.Conflicts.GetConflict(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cf)
}

func (s *Server) getDocumentPresence(c *gin.Context) {
	dp, err := s.deps.Presence.GetDocumentPresence(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dp)
}

func (s *Server) listPresence(c *gin.Context) {
	views := make([]presence.UserPresenceView, 0)
	for _, id := range s.deps.Presence.ActiveUsers() {
		view, err := s.deps.Presence.View(id)
		if err != nil {
			// expired between the two reads
			continue
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"users": views})
}

// streamEvents joins the caller to the document room and relays its events
// as server-sent events until the client goes away.
func (s *Server) streamEvents(c *gin.Context) {
	documentID := c.Param("id")
	sink := rooms.NewChanSink(uuid.NewString(), s.cfg.StreamBuffer)
	s.deps.Hub.Join(documentID, sink)
	defer func() {
		s.deps.Hub.Leave(documentID, sink.ID())
		sink.Close()
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-sink.Events():
			if !ok {
				return false
			}
			c.SSEvent(event.Topic, event)
			return true
		}
	})
}
