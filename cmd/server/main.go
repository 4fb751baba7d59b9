package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realtime-chat/internal/chat"
	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
	"realtime-chat/internal/logger"
	myMiddleware "realtime-chat/internal/middleware"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
	"realtime-chat/internal/typing"
	"realtime-chat/internal/user"
)

const presenceTTL = 24 * time.Hour

func main() {
	// 1. Config & Logging
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, Production: cfg.IsProduction()})
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("database schema initialized")

	// 3. Connect to Redis (Platform Layer), optional
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		defer redisClient.Close()
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	// 4. Real-time core
	chatRepo := chat.NewRepository(database.Conn)
	sessions := session.NewRegistry()
	rooms := room.NewTracker()

	memberships, err := chatRepo.ListMemberships(ctx)
	if err != nil {
		return err
	}
	rooms.Load(memberships)
	log.Info("memberships loaded", zap.Int("count", len(memberships)))

	fanout := chat.NewFanout(sessions, rooms, log)
	if cfg.RedisRelay {
		relay := chat.NewRedisRelay(redisClient, sessions, rooms, log)
		fanout.WithRelay(relay)
		rooms.Observe(relay.PublishChange)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("relay stopped", zap.Error(err))
			}
		}()
	}

	pres := presence.NewStore(fanout, log)
	if redisClient != nil {
		pres.WithMirror(presence.NewRedisMirror(redisClient, presenceTTL))
	}

	typingManager := typing.NewManager(cfg.TypingTimeout, fanout)
	go func() { _ = typingManager.Run(ctx) }()

	dispatcher := chat.NewDispatcher(chatRepo, rooms, typingManager, fanout, chat.Limits{
		MaxMessageLength: cfg.MaxMessageLength,
		EditWindow:       cfg.EditWindow,
		RateLimit:        cfg.RateLimitMessages,
		RateWindow:       cfg.RateLimitWindow,
	}, log)
	directory := chat.NewRooms(chatRepo, rooms, typingManager, fanout, log)

	// 5. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, cfg.JWTTTL, log)
	userHandler := user.NewHandler(userService, log)

	// 6. Initialize Chat Feature
	gateway := chat.NewGateway(chat.GatewayDeps{
		Verifier:   userService,
		Sessions:   sessions,
		Presence:   pres,
		Rooms:      rooms,
		Directory:  directory,
		Typing:     typingManager,
		Dispatcher: dispatcher,
		Fanout:     fanout,
		Store:      chatRepo,
		Logger:     log,
	})
	chatHandler := chat.NewHandler(ctx, gateway, dispatcher, directory, cfg.SendBuffer, log)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService, log)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// WebSocket authenticates itself before the upgrade
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{userID}/presence", chatHandler.GetPresence)

		r.Post("/api/rooms", chatHandler.CreateRoom)
		r.Delete("/api/rooms/{roomID}", chatHandler.DeleteRoom)
		r.Post("/api/rooms/{roomID}/invite", chatHandler.Invite)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/messages", chatHandler.GetChatHistory)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(gateway.CloseAll)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
