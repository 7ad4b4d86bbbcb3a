// Package admin HTTP API для наблюдения и ручного управления каналами.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/eventpub"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/sched"
	"github.com/arzzra/switchcore/pkg/signaling"
)

// Deps зависимости API. Originator, Publisher и Gatherer необязательны.
type Deps struct {
	Registry   *channel.Registry
	Scheduler  *sched.Scheduler
	Originator *signaling.Originator
	Publisher  *eventpub.Publisher
	Gatherer   prometheus.Gatherer
	Logger     logging.StructuredLogger
}

type handlers struct {
	Deps
}

// NewRouter собирает gin роутер
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logging.NoOpLogger{}
	}
	d.Logger = d.Logger.WithComponent("admin")
	h := handlers{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channels": d.Registry.Count()})
	})

	channels := r.Group("/channels")
	{
		channels.GET("", h.listChannels)
		channels.GET("/:uuid", h.getChannel)
		channels.POST("/:uuid/hangup", h.hangup)
		channels.POST("/:uuid/dtmf", h.queueDTMF)
	}
	r.POST("/originate", h.originate)
	r.GET("/scheduler", h.scheduler)

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func requestLogger(l logging.StructuredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug(c.Request.Context(), "http запрос",
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	}
}

func (h handlers) lookup(c *gin.Context) (*channel.Channel, bool) {
	ch, ok := h.Registry.Get(c.Param("uuid"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return nil, false
	}
	return ch, true
}

func (h handlers) listChannels(c *gin.Context) {
	out := make([]channel.Snapshot, 0, h.Registry.Count())
	h.Registry.ForEach(func(ch *channel.Channel) {
		out = append(out, ch.Snapshot())
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timetable.Created.Before(out[j].Timetable.Created)
	})
	c.JSON(http.StatusOK, gin.H{"count": len(out), "channels": out})
}

func (h handlers) getChannel(c *gin.Context) {
	ch, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch.Snapshot(), "event": ch.EventData()})
}

func (h handlers) hangup(c *gin.Context) {
	ch, ok := h.lookup(c)
	if !ok {
		return
	}
	cause := channel.CauseManagerRequest
	if s := c.Query("cause"); s != "" {
		parsed, err := channel.ParseHangupCause(s)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cause = parsed
	}
	if ch.Destroyed() {
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "channel destroyed"})
		return
	}

	state := ch.Hangup(cause)
	h.Logger.Info(logging.WithChannelUUID(c.Request.Context(), ch.UUID()), "завершение по запросу API",
		logging.String("cause", ch.Cause().String()),
	)
	c.JSON(http.StatusOK, gin.H{"uuid": ch.UUID(), "state": state, "cause": ch.Cause()})
}

type dtmfRequest struct {
	Digits string `json:"digits" binding:"required"`
}

func (h handlers) queueDTMF(c *gin.Context) {
	ch, ok := h.lookup(c)
	if !ok {
		return
	}
	var req dtmfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ch.QueueDTMF(req.Digits); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, channel.ErrQueueFull):
			status = http.StatusTooManyRequests
		case errors.Is(err, channel.ErrStaleReference):
			status = http.StatusGone
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": channel.GetErrorCode(err)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"uuid": ch.UUID(), "pending": ch.HasDTMF()})
}

type originateRequest struct {
	Destination  string `json:"destination" binding:"required"`
	CallerNumber string `json:"caller_number"`
	CallerName   string `json:"caller_name"`
	Context      string `json:"context"`
}

func (h handlers) originate(c *gin.Context) {
	if h.Originator == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "originate not configured"})
		return
	}
	var req originateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile := channel.NewCallerProfile(channel.CallerProfileParams{
		Name:        req.CallerName,
		Number:      req.CallerNumber,
		Destination: req.Destination,
		Context:     req.Context,
		Source:      "admin",
	})
	ch, err := h.Originator.Originate(profile)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": channel.GetErrorCode(err)})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel": ch.Snapshot()})
}

func (h handlers) scheduler(c *gin.Context) {
	if h.Scheduler == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "scheduler not configured"})
		return
	}
	out := gin.H{"scheduler": h.Scheduler.Stats()}
	if h.Publisher != nil {
		out["publisher"] = h.Publisher.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// Server HTTP сервер API
type Server struct {
	srv    *http.Server
	logger logging.StructuredLogger
}

// NewServer создает сервер на addr
func NewServer(addr string, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithComponent("admin"),
	}
}

// Run обслуживает запросы до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "admin API запущен", logging.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
