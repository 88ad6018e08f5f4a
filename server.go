package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"travelchat/api/routes"
	"travelchat/config"
	"travelchat/db"
	"travelchat/logger"
	"travelchat/services"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "etc/app.yaml", "Path to the configuration file")
	flag.Parse()

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logg, err := logger.New(conf.Logs.Level)
	if err != nil {
		log.Fatal("Failed to init logger: ", err)
	}
	defer func() { _ = logg.Sync() }()

	if err := run(conf, logg); err != nil {
		logg.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(conf *config.ConfigSchema, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newMessageStore(ctx, conf, logg)
	if err != nil {
		return err
	}
	defer store.Close()

	var sink services.EventSink = services.NoopSink{}
	if conf.RabbitMQ.URL != "" {
		rabbit, err := services.NewRabbitEventSink(conf.RabbitMQ.URL, conf.RabbitMQ.Exchange, logg)
		if err != nil {
			// события во внешнюю шину не обязательны для работы чата
			logg.Warn("RabbitMQ unavailable, chat events will not be published", zap.Error(err))
		} else {
			sink = rabbit
		}
	}
	defer sink.Close()

	identity, err := services.NewGuestIdentityService(conf.Chat.GuestTokenSecret, conf.Chat.GuestTokenTTL)
	if err != nil {
		return err
	}

	hub := services.NewHub(conf.Chat.PushBuffer)
	defer hub.Close()

	chat := services.NewChatService(store, hub, sink, logg, services.ChatOptions{
		AdminDisplayName: conf.Chat.AdminDisplayName,
		MaxBodyLength:    conf.Chat.MaxBodyLength,
	})
	if err := chat.RestoreClock(ctx); err != nil {
		return err
	}

	if conf.Chat.AdminAPIKey == "" {
		logg.Warn("chat.admin_api_key is empty, admin endpoints are disabled")
	}
	if conf.Logs.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := routes.NewRouter(routes.Deps{
		Config:     conf,
		Chat:       chat,
		Aggregator: services.NewAggregator(chat),
		Identity:   identity,
		Log:        logg,
	})

	srv := &http.Server{
		Addr:              conf.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info("starting chat server",
			zap.String("addr", srv.Addr),
			zap.String("store", conf.Store.Backend),
			zap.String("db", conf.Databases.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logg.Info("shutting down chat server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// WebSocket-соединения не отслеживаются http.Server, их закрывает hub.Close
	hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func newMessageStore(ctx context.Context, conf *config.ConfigSchema, logg *zap.Logger) (services.MessageStore, error) {
	switch conf.Store.Backend {
	case "redis":
		client, err := services.NewRedisClient(ctx, conf)
		if err != nil {
			return nil, err
		}
		logg.Info("using Redis message store", zap.String("addr", conf.RedisAddr()))
		return services.NewRedisMessageStore(client), nil
	default:
		manager, err := db.Connect(conf, logg)
		if err != nil {
			return nil, err
		}
		return services.NewGormMessageStore(manager), nil
	}
}
