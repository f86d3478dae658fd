package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Handler returns the router serving the emulator API. When metrics is not
// nil it is mounted on /metrics.
func (e *Emulator) Handler(metrics http.Handler) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(e.logger))
	if e.cfg.RateLimit > 0 {
		router.Use(rateLimit(e.cfg.RateLimit, e.cfg.Burst))
	}
	if e.cfg.Meter != nil {
		mw, err := requestMetrics(e.cfg.Meter)
		if err != nil {
			e.logger.Warn("request metrics disabled", "error", err)
		} else {
			router.Use(mw)
		}
	}
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	e.RegisterRoutes(router)
	return router
}

// Serve runs the emulator on addr until ctx is cancelled.
func (e *Emulator) Serve(ctx context.Context, addr string, metrics http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           e.Handler(metrics),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("accelerator emulator listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve emulator: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown emulator: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request served",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// rateLimit rejects requests above limit per second with 429.
func rateLimit(limit float64, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func requestMetrics(meter metric.Meter) (gin.HandlerFunc, error) {
	requests, err := meter.Int64Counter("accelhost.emulator.requests",
		metric.WithDescription("Requests served by the accelerator emulator"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("accelhost.emulator.request.duration",
		metric.WithDescription("Request latency of the accelerator emulator"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("route", route),
			attribute.Int("status", c.Writer.Status()),
		)
		requests.Add(c.Request.Context(), 1, attrs)
		latency.Record(c.Request.Context(), time.Since(start).Seconds(), attrs)
	}, nil
}
