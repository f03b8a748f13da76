// Package httpapi serves the twin's read-only query surface over HTTP.
//
// Every route reads the Store; none of them mutates it. Loading or exporting
// state is done by the daemon, never on request.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-digitaltwin/ledgertwin"
	"github.com/go-digitaltwin/ledgertwin/neo4jgraph"
)

// EdgeLister reads the transfer graph. *neo4jgraph.Projector implements it.
type EdgeLister interface {
	Edges(ctx context.Context) ([]neo4jgraph.Edge, error)
}

type Handler struct {
	Store *ledgertwin.Store
	// Graph is optional; without it /twin/graph answers 404.
	Graph EdgeLister
	// MaxStaleness makes /healthz fail once the last fold is older than this.
	// Zero disables the check.
	MaxStaleness time.Duration
	// Gatherer is scraped by /metrics; nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// NewRouter returns a gin engine serving h under /twin, with /healthz and
// /metrics at the root. Requests are logged through logger.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	twin := r.Group("/twin")
	twin.GET("/summary", h.GetSummary)
	twin.GET("/stats", h.GetStats)
	twin.GET("/seasonality", h.GetSeasonality)
	twin.GET("/shadow/:subject", h.GetShadow)
	twin.GET("/statistics/:subject", h.GetStatistics)
	twin.GET("/graph", h.GetGraph)

	r.GET("/healthz", h.GetHealth)
	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// requestLogger injects logger into every request context and logs the
// outcome of the request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := logger.With("method", c.Request.Method, "path", c.FullPath())
		c.Request = c.Request.WithContext(component.InjectLogger(c.Request.Context(), l))
		c.Next()
		l.Debug("Served request", "status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (h *Handler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.Store.Summary())
}

func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Store.DerivedStats())
}

func (h *Handler) GetSeasonality(c *gin.Context) {
	c.JSON(http.StatusOK, h.Store.TemporalDistribution())
}

func (h *Handler) GetShadow(c *gin.Context) {
	view, err := h.Store.Shadow(c.Param("subject"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) GetStatistics(c *gin.Context) {
	stats, err := h.Store.Statistics(c.Param("subject"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetGraph(c *gin.Context) {
	if h.Graph == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "graph projection is not enabled"})
		return
	}
	edges, err := h.Graph.Edges(c.Request.Context())
	if err != nil {
		component.Logger(c.Request.Context()).Error("Failed to read transfer graph", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if edges == nil {
		edges = []neo4jgraph.Edge{}
	}
	c.JSON(http.StatusOK, edges)
}

// GetHealth reports how stale the twin is. A twin that never folded anything
// is healthy: a quiet ledger is not a broken feed.
func (h *Handler) GetHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	last, ok := h.Store.LastFolded()
	if !ok {
		c.JSON(http.StatusOK, body)
		return
	}
	staleness := h.Store.Staleness()
	body["last_folded"] = last
	body["staleness_seconds"] = staleness.Seconds()
	if h.MaxStaleness > 0 && staleness > h.MaxStaleness {
		body["status"] = "stale"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, ledgertwin.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
