package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatsync/infrastructure/cache"
	"chatsync/infrastructure/db"
	"chatsync/infrastructure/metrics"
	"chatsync/infrastructure/ws"
	"chatsync/internal/config"
	httpHandler "chatsync/internal/delivery/http"
	"chatsync/internal/entity"
	"chatsync/internal/repository"
	"chatsync/internal/session"
	"chatsync/pkg/jwt"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

func initLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.
			WithField("log_level", level).
			Warning("specified invalid log level")
	} else {
		logger.SetLevel(logLevel)
		logger.
			WithField("log_level", level).
			Infof("specified %s log level", logLevel.String())
	}

	return logger
}

func initChannel(cfg config.Config, logger *logrus.Logger, m *metrics.Metrics) ws.IChannel {
	if cfg.UseRedis() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.RedisAddr,
			"clientId": cfg.ClientId,
		}).Info("using Redis transport")
		return ws.NewRedisChannel(ws.RedisOptions{
			Addr:     cfg.RedisAddr,
			ClientId: cfg.ClientId,
			Logger:   logger,
			Metrics:  m,
		})
	}

	logger.WithField("url", cfg.WsUrl).Info("using websocket transport")
	return ws.NewWebsocketChannel(ws.WebsocketOptions{
		Url:        cfg.WsUrl,
		Token:      cfg.AccessToken,
		MinBackoff: cfg.ReconnectMin,
		MaxBackoff: cfg.ReconnectMax,
		Logger:     logger,
		Metrics:    m,
	})
}

type repositories struct {
	chats    repository.ChatRepository
	messages repository.MessageRepository
	users    repository.UserRepository
	files    repository.FileRepository
	store    *db.MongoStore
}

// initRepositories reads roster and history straight from Mongo when
// MONGODB_URI is set. Uploads always go through the HTTP API.
func initRepositories(ctx context.Context, cfg config.Config, api *repository.ApiClient, logger *logrus.Logger) repositories {
	repos := repositories{chats: api, messages: api, users: api, files: api}
	if !cfg.UseMongo() {
		return repos
	}

	store, err := db.NewMongoStore(ctx, cfg.MongoUri, cfg.MongoDatabase, logger)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to MongoDB")
	}
	repos.store = store
	repos.chats = repository.NewChatRepository(store.DB)
	repos.messages = repository.NewMessageRepository(store.DB)
	repos.users = repository.NewUserRepository(store.DB)
	return repos
}

// resolveViewer finds the active user: USER_ID, else the token's claims,
// else whatever the API reports for the token.
func resolveViewer(ctx context.Context, cfg config.Config, users repository.UserRepository, api *repository.ApiClient, logger *logrus.Logger) (entity.User, error) {
	userId := cfg.UserId
	if userId == "" && cfg.AccessToken != "" {
		id, err := jwt.UserIdFromToken(cfg.AccessToken)
		if err != nil {
			logger.WithError(err).Warn("can't read user id from access token")
		}
		userId = id
	}
	if userId == "" {
		return api.Current(ctx)
	}

	user, err := users.Get(ctx, userId)
	if err != nil {
		logger.WithError(err).WithField("userId", userId).Warn("user profile unavailable, continuing with id only")
		return entity.User{Id: userId}, nil
	}
	return user, nil
}

// printControlToken writes a bearer token for the control API to stdout.
func printControlToken(cfg config.Config, ttl time.Duration) error {
	if cfg.ControlSecret == "" {
		return errors.New("CONTROL_SECRET is not set")
	}
	subject := cfg.UserId
	if subject == "" {
		subject = "control"
	}
	token, err := jwt.NewJWTManager(cfg.ControlSecret, ttl).GenerateAccessToken(entity.User{Id: subject})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func initControlServer(cfg config.Config, svc session.Service, store *db.MongoStore, m *metrics.Metrics, logger *logrus.Logger) *http.Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)

	var authMiddleware *httpHandler.AuthMiddleware
	if cfg.ControlSecret != "" {
		authMiddleware = httpHandler.NewAuthMiddleware(jwt.NewJWTManager(cfg.ControlSecret, time.Hour))
	} else {
		logger.Warn("CONTROL_SECRET is empty, control API is unauthenticated")
	}

	httpH := httpHandler.NewHttpHandler(svc, logger)
	if store != nil {
		httpH.AddHealthCheck("mongodb", store.Ping)
	}
	httpHandler.MapHttpRoutes(router, *httpH, authMiddleware, m.Handler())

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func main() {
	var (
		controlToken bool
		tokenTTL     time.Duration
	)
	flag.BoolVar(&controlToken, "control-token", false, "print a bearer token for the control API and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed control token")
	flag.Parse()

	cfg, err := config.Load()
	logger := initLogger(cfg.LogLevel)
	if cfg.EnvFileErr != nil {
		logger.WithError(cfg.EnvFileErr).Info("godotenv: error loading .env file")
	}
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	if controlToken {
		if err := printControlToken(cfg, tokenTTL); err != nil {
			logger.WithError(err).Fatal("can't issue control token")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	m := metrics.New()
	api := repository.NewApiClient(cfg.ApiUrl, cfg.AccessToken, nil)
	repos := initRepositories(ctx, cfg, api, logger)
	defer func() {
		if err := repos.store.Close(context.Background()); err != nil {
			logger.WithError(err).Error("during MongoDB disconnect an error occurred")
		}
	}()

	user, err := resolveViewer(ctx, cfg, repos.users, api, logger)
	if err != nil {
		logger.WithError(err).Fatal("can't resolve the active user")
	}
	logger.WithField("userId", user.Id).Info("active user resolved")

	var seen *cache.MemCache
	if cfg.DedupWindow > 0 {
		seen = cache.NewMemCache(cfg.DedupWindow)
		defer seen.Close()
	}

	channel := initChannel(cfg, logger, m)
	if rc, ok := channel.(*ws.RedisChannel); ok {
		defer rc.Close()
	}

	sess := session.New(session.Options{
		Channel:        channel,
		Chats:          repos.chats,
		Messages:       repos.messages,
		Users:          repos.users,
		Files:          repos.files,
		Logger:         logger,
		Metrics:        m,
		Seen:           seen,
		DedupWindow:    cfg.DedupWindow,
		PendingTimeout: cfg.PendingTimeout,
		TypingInterval: cfg.TypingInterval,
	})

	srv := initControlServer(cfg, sess, repos.store, m, logger)
	go func() {
		logger.Infof("control API is running on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("control API stopped")
			stop()
		}
	}()

	err = sess.Run(ctx, user)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("session stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("control API shutdown")
	}
	logger.Info("gracefully shut down")
}
