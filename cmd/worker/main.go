package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/bootstrap"
	"inboxzero/internal/config"
	"inboxzero/internal/mqhandler"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/mq"
	"inboxzero/pkg/util"
)

type consumerSpec struct {
	exchange   string
	queue      string
	routingKey string
	handler    mq.MessageHandler
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logger.NewLogger(cfg.Env)
	defer log.Sync()

	log.Info("Starting worker...", zap.String("env", cfg.Env))

	if cfg.MQ.URL == "" {
		log.Fatal("Worker requires mq.url")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, log, false)
	if err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}

	deps := mqhandler.Deps{
		Counter: util.NewRetryCounter(app.Redis, time.Hour),
		DLQ:     app.Publisher,
		Logger:  log,
	}

	specs := []consumerSpec{
		{
			exchange:   mq.ExchangeName,
			queue:      "email.label_removed.learn.q",
			routingKey: contractmq.RoutingKeyLabelRemoved,
			handler:    mqhandler.LabelRemovedHandler(app.Learner, deps),
		},
		{
			exchange:   mq.ExchangeName,
			queue:      "email.message_received.rules.q",
			routingKey: contractmq.RoutingKeyMessageReceived,
			handler:    mqhandler.MessageReceivedHandler(app.Processor, deps),
		},
	}
	if cfg.Scheduler.Backend == "amqp" {
		specs = append(specs, consumerSpec{
			exchange:   mq.DelayedExchangeName,
			queue:      "scheduled_action.due.q",
			routingKey: contractmq.RoutingKeyScheduledActionDue,
			handler:    mqhandler.ScheduledActionDueHandler(app.Scheduler, deps),
		})
	}

	routingKeys := make([]string, 0, len(specs))
	for _, s := range specs {
		routingKeys = append(routingKeys, s.routingKey)
	}
	if err := app.Publisher.DeclareDeadLetters(routingKeys...); err != nil {
		log.Fatal("Failed to declare dead letter queues", zap.Error(err))
	}

	var (
		wg        sync.WaitGroup
		consumers []*mq.Consumer
	)
	for _, s := range specs {
		log.Info("Init consumer", zap.String("queue", s.queue), zap.String("routing_key", s.routingKey))
		c, err := mq.NewConsumerForExchange(cfg.MQ.URL, s.exchange, s.queue, s.routingKey, log)
		if err != nil {
			log.Fatal("Consumer init failed", zap.String("queue", s.queue), zap.Error(err))
		}
		c.SetHandler(s.handler)
		consumers = append(consumers, c)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.StartConsuming(ctx); err != nil {
				log.Fatal("Consumer crashed", zap.String("queue", s.queue), zap.Error(err))
			}
		}()
	}

	log.Info("Worker running", zap.Int("consumers", len(consumers)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker gracefully...")
	for _, c := range consumers {
		c.Stop()
	}
	wg.Wait()
	cancel()
	for _, c := range consumers {
		c.Close()
	}
	app.Close()
	log.Info("Worker shutdown complete")
}
