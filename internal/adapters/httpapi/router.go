// Package httpapi is the HTTP surface: the signaling websocket endpoint plus
// health and metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/adapters/signalws"
	"github.com/dkeye/mediaroom/internal/config"
	"github.com/dkeye/mediaroom/internal/core"
)

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || len(allowed) == 0 {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SetupRouter wires the full HTTP surface over the session directory.
func SetupRouter(cfg *config.Config, server *core.Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	ws := signalws.NewHandler(server, signalws.HandlerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Channel: signalws.ChannelOptions{
			ReadLimit:      cfg.ReadLimit,
			PingPeriod:     cfg.PingPeriod,
			RequestTimeout: cfg.RequestTimeout,
		},
	})
	r.GET("/ws", ws.HandleSignal)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"workers": server.WorkerCount(),
			"rooms":   server.RoomCount(),
			"uptime":  int64(server.Uptime() / time.Second),
		})
	})

	r.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, server.Stats())
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(newStatsCollector(server))
	r.GET("/metrics/prometheus", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	log.Info().Str("module", "adapters.httpapi").Msg("router setup")
	return r
}
