// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/mailqueue-backend/internal/config"
	"github.com/unclebandit/mailqueue-backend/internal/controller"
	"github.com/unclebandit/mailqueue-backend/internal/db"
	"github.com/unclebandit/mailqueue-backend/internal/handler"
	"github.com/unclebandit/mailqueue-backend/internal/logger"
	"github.com/unclebandit/mailqueue-backend/internal/mailer"
	"github.com/unclebandit/mailqueue-backend/internal/notify"
	"github.com/unclebandit/mailqueue-backend/internal/queue"
	"github.com/unclebandit/mailqueue-backend/internal/repository"
	"github.com/unclebandit/mailqueue-backend/internal/service"
	"github.com/unclebandit/mailqueue-backend/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync()

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer closeStore()
	repo := repository.New(store, logr)

	broker := queue.NewInMemoryQueue(logr)
	defer broker.Close()

	publishers, closePublishers, err := openPublishers(cfg.Notify, broker, logr)
	if err != nil {
		return err
	}
	defer closePublishers()
	fanout := notify.NewFanout(repo, logr, publishers...)
	if cfg.Notify.PublishTimeout > 0 {
		fanout.Timeout = cfg.Notify.PublishTimeout
	}

	hub := websocket.NewHub(cfg.WebSocket.AllowedOrigins, logr)
	go hub.Run(ctx)
	detach := hub.Attach(broker, notify.TopicCampaignUpdated, notify.TopicCampaignsUpdated)
	defer detach()

	dialer := mailer.NewSMTPDialer(cfg.SMTP.HeloName, cfg.SMTP.CommandTimeout, logr)
	worker := service.NewWorker(cfg.Worker, cfg.SMTP, repo, dialer, fanout, logr)
	defer worker.Stop()
	campaignService := service.NewCampaignService(repo, worker, fanout, cfg.Worker, logr)
	campaignController := controller.NewCampaignController(campaignService, logr)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(campaignController, hub, logr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// pick up attempts left over from a previous run
	if cfg.Worker.AutoStart {
		worker.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server running", zap.String("addr", cfg.Server.Addr))
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

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, logr *zap.Logger) (repository.Store, func(), error) {
	if cfg.Database.Driver != "postgres" {
		logr.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	conn, err := db.Open(ctx, cfg.Database, logr)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return repository.NewPostgresStore(conn), func() { conn.Close() }, nil
}

// openPublishers always includes the in-process broker and adds each
// external transport whose address is configured.
func openPublishers(cfg config.NotifyConfig, broker queue.Queue, logr *zap.Logger) ([]notify.Publisher, func(), error) {
	pubs := []notify.Publisher{notify.NewBrokerPublisher(broker)}
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logr.Warn("close publisher", zap.Error(err))
			}
		}
	}

	if cfg.AMQP.URL != "" {
		p, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		pubs = append(pubs, p)
		closers = append(closers, p.Close)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			closeAll()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		pubs = append(pubs, notify.NewRedisPublisher(client, cfg.Redis.ChannelPrefix))
		closers = append(closers, client.Close)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		p := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		pubs = append(pubs, p)
		closers = append(closers, p.Close)
	}

	return pubs, closeAll, nil
}
