package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// NewRouter builds the status API: /health, /metrics, /transfers and
// /transfers/:id.
func NewRouter(s *Server, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger = logging.OrDefault(logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetrics())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": s.Uptime().Round(time.Second).String(),
			"addr":   s.Addr().String(),
			"seen":   s.History().Seen(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/transfers", func(c *gin.Context) {
		results := s.History().Recent()
		if c.Query("incomplete") == "true" {
			kept := results[:0]
			for _, res := range results {
				if !res.Complete {
					kept = append(kept, res)
				}
			}
			results = kept
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			if limit < len(results) {
				results = results[len(results)-limit:]
			}
		}
		views := make([]TransferView, 0, len(results))
		for _, res := range results {
			views = append(views, viewOf(res))
		}
		c.JSON(http.StatusOK, gin.H{
			"summary":   summaryOf(s.History().Seen(), results),
			"transfers": views,
		})
	})

	r.GET("/transfers/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, res := range s.History().Recent() {
			if res.TransferID == id {
				c.JSON(http.StatusOK, viewOf(res))
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
	})

	return r
}

// RequestLogger logs one line per request, at warn for 4xx and error for 5xx.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http_request",
			"method", c.Request.Method,
			"path", routeOf(c),
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		)
	}
}

// RequestMetrics records request counts and latency per route.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

// routeOf prefers the route pattern so ids do not explode label cardinality.
func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

// ServeListener serves handler on ln until ctx is canceled, then shuts down
// gracefully. ln is closed on return.
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
