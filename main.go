package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	grpcclient "chat-sync/internal/grpc"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/repositories"
	"chat-sync/internal/status"
	"chat-sync/internal/store"
	"chat-sync/internal/store/memstore"
	"chat-sync/internal/store/postgres"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoute, cfg.ServiceName, cfg.Environment, logger)

	docs, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	authConn, err := grpcclient.Dial(cfg.AuthAddr)
	if err != nil {
		logger.Fatal("failed to connect to auth grpc", zap.Error(err))
	}
	defer authConn.Close()

	profileConn, err := grpcclient.Dial(cfg.ProfileAddr)
	if err != nil {
		logger.Fatal("failed to connect to profile grpc", zap.Error(err))
	}
	defer profileConn.Close()

	authClient := grpcclient.NewAuthClient(authConn)
	profileClient := grpcclient.NewProfileClient(profileConn)

	chatRepo := repositories.NewChatRepo(docs, repositories.Options{
		MembershipTTL: cfg.MembershipTTL,
		Audit:         audit,
		Log:           logger.Named("repo"),
	})

	// presence is ephemeral and lives in this process
	hub := ws.NewHub(logger.Named("ws"))
	gateway := ws.NewGateway(hub, memstore.New(nil).Presence(), authClient, logger.Named("ws"))

	receipts := status.NewMachine(docs, nil, logger.Named("status"))
	chatHandler := handlers.NewChatHandler(chatRepo, profileClient, receipts, logger.Named("http"))
	groupHandler := handlers.NewGroupHandler(chatRepo, audit, logger.Named("http"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	handlers.RegisterDebugRoutes(router, audit, cfg.Debug)

	authMiddleware := middleware.AuthMiddleware(authClient)
	api := router.Group("/", authMiddleware)

	api.GET("/chats", chatHandler.ListChats)
	api.POST("/chats/direct", chatHandler.StartDirectChat)
	api.GET("/chats/:chat_id", chatHandler.GetChat)
	api.GET("/chats/:chat_id/messages", chatHandler.GetChatMessages)
	api.POST("/chats/:chat_id/messages", chatHandler.PostChatMessage)
	api.GET("/chats/:chat_id/search", chatHandler.SearchMessages)
	api.PUT("/chats/:chat_id/pin", chatHandler.SetPinned)
	api.PUT("/chats/:chat_id/star", chatHandler.SetStarred)
	api.POST("/chats/:chat_id/read", chatHandler.MarkRead)
	api.DELETE("/chats/:chat_id/me", chatHandler.DeleteChatForMe)
	api.PATCH("/messages/:message_id", chatHandler.EditMessage)
	api.DELETE("/messages/:message_id", chatHandler.DeleteMessage)
	api.POST("/messages/:message_id/reactions", chatHandler.ToggleReaction)

	api.POST("/groups", groupHandler.CreateGroup)
	api.PATCH("/groups/:chat_id", groupHandler.UpdateGroup)
	api.POST("/groups/:chat_id/members", groupHandler.AddMember)
	api.DELETE("/groups/:chat_id/members/:user_id", groupHandler.RemoveMember)
	api.POST("/groups/:chat_id/admins", groupHandler.PromoteToAdmin)
	api.POST("/groups/:chat_id/leave", groupHandler.Leave)

	// the gateway authenticates the upgrade itself
	router.GET("/ws/presence", gateway.Handle)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.DocumentStore, func()) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(nil), func() {}
	}

	database, err := db.Connect(ctx, cfg.DSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	docs := postgres.New(database, logger.Named("store"))
	if err := docs.Listen(ctx, cfg.DSN); err != nil {
		logger.Fatal("failed to start change feed", zap.Error(err))
	}
	return docs, func() { database.Close() }
}
