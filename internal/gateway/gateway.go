// Package gateway provides the API gateway: it proxies annotation requests to
// the handler service and hosts the realtime hub.
package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/config"
	"github.com/docmark/annotator/internal/models"
	"github.com/docmark/annotator/internal/realtime"
)

// Gateway provides the API gateway functionality.
type Gateway struct {
	cfg        *config.Config
	hub        *realtime.Hub
	logger     *zap.Logger
	httpClient *http.Client
}

// NewGateway creates a new API gateway. hub may be nil when realtime is
// served elsewhere.
func NewGateway(cfg *config.Config, hub *realtime.Hub, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RegisterRoutes registers the proxied API routes on the given router group.
func (g *Gateway) RegisterRoutes(rg *gin.RouterGroup) {
	rg.Any("/annotations", g.proxyToHandler)
	rg.Any("/annotations/*path", g.proxyToHandler)
}

// RegisterRealtime mounts the realtime hub.
func (g *Gateway) RegisterRealtime(r gin.IRouter) {
	if g.hub != nil {
		g.hub.RegisterRoutes(r)
	}
}

// proxyToHandler forwards requests to the handler service.
func (g *Gateway) proxyToHandler(c *gin.Context) {
	targetURL, err := url.Parse(g.cfg.HandlerURL)
	if err != nil {
		g.logger.Error("Invalid handler URL", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "configuration_error",
			Message: "invalid handler URL configuration",
		})
		return
	}

	// The route matched under the same prefix on both sides
	targetURL.Path = c.Request.URL.Path
	targetURL.RawQuery = c.Request.URL.RawQuery

	g.logger.Debug("Proxying request",
		zap.String("method", c.Request.Method),
		zap.String("target", targetURL.String()),
	)

	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, err = io.ReadAll(c.Request.Body)
		if err != nil {
			g.logger.Error("Failed to read request body", zap.Error(err))
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error:   "internal_error",
				Message: "failed to read request body",
			})
			return
		}
	}

	proxyReq, err := http.NewRequestWithContext(
		c.Request.Context(),
		c.Request.Method,
		targetURL.String(),
		bytes.NewReader(bodyBytes),
	)
	if err != nil {
		g.logger.Error("Failed to create proxy request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to create proxy request",
		})
		return
	}

	// Identity headers travel with the rest
	for key, values := range c.Request.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}

	if len(bodyBytes) > 0 && proxyReq.Header.Get("Content-Type") == "" {
		proxyReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(proxyReq)
	if err != nil {
		g.logger.Error("Failed to proxy request", zap.Error(err))

		if errors.Is(err, syscall.ECONNREFUSED) {
			c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
				Error:   "service_unavailable",
				Message: "handler service is not available",
			})
			return
		}

		c.JSON(http.StatusBadGateway, models.ErrorResponse{
			Error:   "proxy_error",
			Message: "failed to reach handler service",
		})
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.logger.Error("Failed to read response body", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to read response",
		})
		return
	}

	for key, values := range resp.Header {
		for _, value := range values {
			c.Header(key, value)
		}
	}

	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
}

// HealthCheck returns a health check handler.
func (g *Gateway) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"role":    g.cfg.Role,
		"service": "docmark-annotator",
	}
	if g.hub != nil {
		body["rooms"] = g.hub.Rooms()
	}
	c.JSON(http.StatusOK, body)
}
