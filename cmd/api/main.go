package main

import (
	"context"
	"liverelay/cmd/internal/config"
	"liverelay/cmd/internal/domain/redisstore"
	"liverelay/cmd/internal/domain/sqlite"
	"liverelay/cmd/internal/domain/sqlite/repository"
	"liverelay/cmd/internal/http/handler"
	relaymw "liverelay/cmd/internal/http/middleware"
	"liverelay/cmd/internal/infrastructure/aws/paramstore"
	"liverelay/cmd/internal/infrastructure/aws/websocket"
	"liverelay/cmd/internal/infrastructure/localgw"
	"liverelay/cmd/internal/secrets"
	"liverelay/cmd/internal/service"
	"liverelay/cmd/internal/service/jobs"
	"liverelay/cmd/internal/utils"
	"liverelay/cmd/internal/utils/uid"
	"liverelay/cmd/internal/utils/validators"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Loads env vars depending on environment
	if err := config.LoadEnv(ctx); err != nil {
		log.Fatalf("failed to load environment: %v", err)
	}

	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.SetLevel(cfg.GommonLevel())
	uid.Init(cfg.NodeID)

	connRepo, userRepo := initRegistry(ctx, cfg)
	cache := secrets.NewCache(initSecretSource(ctx, cfg), cfg.SecretsTTL)

	var gateway websocket.GatewayClient
	var local *localgw.Gateway
	if cfg.GatewayMode == "local" {
		local = localgw.New(localgw.Options{RateLimit: cfg.LocalRateLimit})
		gateway = local
	} else {
		gateway, err = websocket.NewAWSGatewayClient(ctx, cfg.GatewayEndpoint, cfg.AWSRegion)
		if err != nil {
			log.Fatalf("failed to create gateway client: %v", err)
		}
	}

	verifier := initVerifier(cfg, cache)
	validate := validators.New()

	// Getting services
	wsService := service.NewWebSocketService(
		connRepo,
		userRepo,
		service.NewBroadcaster(connRepo, gateway, cfg.FanoutConcurrency),
		verifier,
		validate,
	)
	notificationService := service.NewNotificationService(wsService, validate)

	go jobs.NewConnectionCleaner(wsService, cfg.SweepInterval, cfg.HeartbeatTimeout).Start(ctx)

	// Getting handlers
	wsRoutes := handler.NewWSDefault(wsService)
	notificationRoutes := handler.NewNotificationDefault(notificationService)
	apiKey := relaymw.NewAPIKeyMiddleware(&relaymw.APIKeyMiddlewareConfig{Secrets: cache})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debugf("%s %s -> %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))

	// Gateway integrations
	e.POST("/ws/connect", wsRoutes.HandleConnect)
	e.POST("/ws/disconnect", wsRoutes.HandleDisconnect)
	e.POST("/ws/message", wsRoutes.HandleMessage)
	if local != nil {
		local.Attach(wsService)
		e.GET("/ws", local.Handler(handler.TokenFromRequest))
	}

	// Server to server
	api := e.Group("/api", middleware.BodyLimit("256K"), apiKey)
	api.POST("/notifications", notificationRoutes.PostNotification)
	api.GET("/presence/:userId", notificationRoutes.GetPresence)

	// Docker Compose healthcheck
	e.GET("/health", handler.HealthCheck)

	go func() {
		<-ctx.Done()
		if err := e.Shutdown(context.Background()); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("relay listening on %s (store=%s gateway=%s auth=%s)", cfg.Addr(), cfg.StoreDriver, cfg.GatewayMode, cfg.AuthMode)
	if err := e.Start(cfg.Addr()); err != nil && ctx.Err() == nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func initRegistry(ctx context.Context, cfg *config.Config) (service.ConnectionRepository, service.UserRepository) {
	if cfg.StoreDriver == "redis" {
		rdb, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		return redisstore.NewConnectionRepository(rdb), redisstore.NewUserRepository(rdb)
	}

	db, err := sqlite.Init(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open sqlite: %v", err)
	}
	return repository.NewConnectionRepository(db), repository.NewUserRepository(db)
}

func initSecretSource(ctx context.Context, cfg *config.Config) secrets.Source {
	if cfg.SecretsSource != "ssm" {
		return secrets.NewEnvSource()
	}

	client, err := paramstore.NewClient(ctx, cfg.AWSRegion)
	if err != nil {
		log.Fatalf("failed to create SSM client: %v", err)
	}
	return paramstore.NewSecretSource(client, cfg.SSMJWTSecretParam, cfg.SSMAPIKeyParam)
}

func initVerifier(cfg *config.Config, cache *secrets.Cache) utils.TokenVerifier {
	if cfg.AuthMode != "jwks" {
		return utils.NewHMACVerifier(cache)
	}

	verifier, err := utils.NewJWKSVerifier(cfg.CognitoRegion, cfg.CognitoPoolID)
	if err != nil {
		log.Fatalf("failed to load Cognito JWKS: %v", err)
	}
	return verifier
}
