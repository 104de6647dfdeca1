package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/cache"
	"github.com/docmark/annotator/internal/config"
	"github.com/docmark/annotator/internal/database"
	"github.com/docmark/annotator/internal/gateway"
	"github.com/docmark/annotator/internal/handler"
	"github.com/docmark/annotator/internal/realtime"
)

func newServeCmd() *cobra.Command {
	var role, port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway or handler service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig(cmd)
			applyServeFlags(cfg, role, port)
			if !cfg.IsGateway() && !cfg.IsHandler() {
				return fmt.Errorf("unknown role %q: want gateway or handler", cfg.Role)
			}

			app := fx.New(
				fx.Supply(cfg, getLogger(cmd)),
				fx.Provide(newGinEngine),
				fx.Invoke(startServer),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Service role: gateway or handler (overrides SERVICE_ROLE)")
	cmd.Flags().StringVar(&port, "port", "", "Server port (overrides SERVER_PORT)")
	return cmd
}

// applyServeFlags overrides the environment with non-empty flags.
func applyServeFlags(cfg *config.Config, role, port string) {
	if role != "" {
		cfg.Role = role
	}
	if port != "" {
		cfg.ServerPort = port
	}
}

// newGinEngine creates and configures a new Gin engine.
func newGinEngine(cfg *config.Config) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(cors())

	return engine
}

func cors() gin.HandlerFunc {
	allowHeaders := "Origin, Content-Type, Accept, Authorization, " + handler.HeaderUserID + ", " + handler.HeaderUserName
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// startServer starts the HTTP server based on the configured role.
func startServer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, engine *gin.Engine) error {
	logger.Info("Starting service",
		zap.String("role", cfg.Role),
		zap.String("port", cfg.ServerPort),
	)

	apiV1 := engine.Group("/api/v1")

	var closers []func() error

	if cfg.IsHandler() {
		repo, err := database.NewPostgresRepository(cfg, logger)
		if err != nil {
			logger.Error("Failed to connect to database", zap.Error(err))
			return err
		}
		closers = append(closers, func() error { repo.Close(); return nil })

		cacheClient, err := cache.NewRedisCache(cfg, logger)
		if err != nil {
			logger.Error("Failed to connect to Redis", zap.Error(err))
			return err
		}
		closers = append(closers, cacheClient.Close)

		h := handler.NewHandler(repo, cacheClient, logger)
		h.RegisterRoutes(apiV1)

		engine.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"role":    cfg.Role,
				"service": "docmark-annotator",
			})
		})

		logger.Info("Handler routes registered")
	} else {
		broker := newBroker(cfg, logger)
		closers = append(closers, broker.Close)

		hub := realtime.NewHub(broker, realtime.HubOptions{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CursorRate:       float64(cfg.CursorRate),
			CursorBurst:      cfg.CursorBurst,
		}, logger)

		gw := gateway.NewGateway(cfg, hub, logger)
		gw.RegisterRoutes(apiV1)
		gw.RegisterRealtime(engine)
		engine.GET("/health", gw.HealthCheck)

		logger.Info("Gateway routes registered",
			zap.String("handler_url", cfg.HandlerURL),
		)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("Server starting", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("Server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Server shutting down")

			err := server.Shutdown(ctx)
			for _, closeFn := range closers {
				if cerr := closeFn(); cerr != nil {
					logger.Warn("Failed to release resource", zap.Error(cerr))
				}
			}
			return err
		},
	})

	return nil
}

// newBroker prefers Redis so several gateways share rooms; a single gateway
// runs fine on the in-process broker.
func newBroker(cfg *config.Config, logger *zap.Logger) realtime.Broker {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker, err := realtime.NewRedisBroker(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Warn("Redis unavailable, using in-process realtime broker", zap.Error(err))
		return realtime.NewLocalBroker()
	}
	return broker
}
