// cmd/watch/main.go
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/mailqueue-backend/internal/config"
	"github.com/unclebandit/mailqueue-backend/internal/logger"
	"github.com/unclebandit/mailqueue-backend/internal/model"
	"github.com/unclebandit/mailqueue-backend/internal/notify"
)

// Tails the campaign events exchange and logs a progress line per snapshot.
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

	if cfg.Notify.AMQP.URL == "" {
		logr.Fatal("notify.amqp.url is not set")
	}

	conn, err := amqp.Dial(cfg.Notify.AMQP.URL)
	if err != nil {
		logr.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logr.Fatal("failed to open a channel", zap.Error(err))
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		logr.Fatal("failed to declare queue", zap.Error(err))
	}
	for _, topic := range []string{notify.TopicCampaignUpdated, notify.TopicCampaignsUpdated} {
		if err := ch.QueueBind(q.Name, topic, cfg.Notify.AMQP.Exchange, false, nil); err != nil {
			logr.Fatal("failed to bind queue", zap.String("topic", topic), zap.Error(err))
		}
	}

	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		logr.Fatal("failed to register consumer", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	logr.Info("watching campaign events", zap.String("exchange", cfg.Notify.AMQP.Exchange))
	for {
		select {
		case <-sig:
			return
		case d, ok := <-msgs:
			if !ok {
				logr.Warn("delivery channel closed")
				return
			}
			report(logr, d)
		}
	}
}

func report(logr *zap.Logger, d amqp.Delivery) {
	switch d.RoutingKey {
	case notify.TopicCampaignUpdated:
		var c model.Campaign
		if err := json.Unmarshal(d.Body, &c); err != nil {
			logr.Warn("invalid campaign snapshot", zap.Error(err))
			return
		}
		counts := map[string]int{}
		for _, a := range c.EmailAttempts {
			counts[a.Status.String()]++
		}
		logr.Info("campaign updated",
			zap.Int("campaign_id", c.ID),
			zap.String("name", c.Name),
			zap.Stringer("state", c.State),
			zap.Any("attempts", counts))
	case notify.TopicCampaignsUpdated:
		var list []model.Campaign
		if err := json.Unmarshal(d.Body, &list); err != nil {
			logr.Warn("invalid campaign list", zap.Error(err))
			return
		}
		logr.Info("campaign list updated", zap.Int("campaigns", len(list)))
	}
}
