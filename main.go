package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"dm-service/internal/config"
	"dm-service/internal/contacts"
	"dm-service/internal/db"
	"dm-service/internal/directory"
	grpcclient "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/messages"
	"dm-service/internal/middleware"
	"dm-service/internal/notify"
	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
	"dm-service/internal/thread"
	"dm-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init failed")
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	var guard ratelimit.SendGuard = ratelimit.Unlimited{}
	if cfg.RedisURL != "" && cfg.SendMinInterval > 0 {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		guard = ratelimit.NewRedisGuard(client, cfg.SendMinInterval)
		logger.Info().Msg("connected to Redis")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Env, logger)

	// Changes reach local sessions through the broker. With AMQP they take
	// the exchange round trip so every instance sees the same stream.
	broker := notify.NewBroker(64)
	var changes notify.Publisher = broker
	if rabbitmq.PublisherMode(publisher) == "amqp" {
		changes = rabbitmq.NewChangePublisher(publisher)
		go rabbitmq.RunChangeConsumer(ctx, cfg.AMQPURL, cfg.AMQPExchange, func(change notify.Change) {
			broker.Publish(change)
		}, logger)
	}

	identityRepo := repositories.NewIdentityRepo(database)
	contactRepo := repositories.NewContactRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	dir := directory.NewService(identityRepo, logger)
	contactManager := contacts.NewManager(dir, contactRepo, identityRepo, logger)
	messageService := messages.NewService(messageRepo, guard, changes, logger)
	threadStore := thread.NewStore(messageRepo, identityRepo)

	identityConn, err := grpcclient.Dial(cfg.IdentityGRPCAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to identity grpc")
	}
	defer identityConn.Close()
	identityClient := grpcclient.NewIdentityClient(identityConn)

	hub := ws.NewHub()
	threadWS := ws.NewThreadWebSocketHandler(hub, identityClient, threadStore, messageService, broker, thread.Options{
		MinSendInterval: cfg.SendMinInterval,
		Scoped:          cfg.ScopedNotifications,
		Logger:          logger,
	}, logger)

	profileHandler := handlers.NewProfileHandler(dir, audit)
	contactsHandler := handlers.NewContactsHandler(contactManager, audit)
	threadHandler := handlers.NewThreadHandler(threadStore, messageService, audit)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	handlers.RegisterOpsRoutes(router, database, audit, cfg.DebugRoutes)

	authed := router.Group("/", middleware.AuthMiddleware(identityClient))
	authed.POST("/profile", profileHandler.Register)
	authed.GET("/profile", profileHandler.GetProfile)
	authed.PATCH("/profile", profileHandler.UpdateProfile)
	authed.POST("/profile/handle", profileHandler.RegenerateHandle)
	authed.GET("/directory/:handle", profileHandler.LookupHandle)

	authed.GET("/contacts", contactsHandler.ListContacts)
	authed.POST("/contacts", contactsHandler.AddContact)
	authed.DELETE("/contacts/:contact_id", contactsHandler.RemoveContact)

	authed.GET("/threads/:peer_id", threadHandler.GetThread)
	authed.POST("/threads/:peer_id/messages", threadHandler.PostMessage)
	authed.PATCH("/messages/:message_id", threadHandler.EditMessage)
	authed.DELETE("/messages/:message_id", threadHandler.DeleteMessage)

	// websocket clients may pass the token as a query parameter
	router.GET("/ws/threads/:peer_id", threadWS.Handle)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	grpcServer := grpcclient.NewServer(dir)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Msg("grpc listen failed")
	}
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting grpc server")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.CloseAll("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	grpcServer.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Msg("server stopped")
}

// newLogger builds the service logger: console output in development, JSON
// otherwise, filtered at the configured level.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(out).
			With().
			Timestamp().
			Str("service", cfg.ServiceName).
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(level)
	}
	return logger
}
