package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/milepost/internal/alert"
	"github.com/zulandar/milepost/internal/config"
	"github.com/zulandar/milepost/internal/db"
	"github.com/zulandar/milepost/internal/logging"
	"github.com/zulandar/milepost/internal/messaging"
	"github.com/zulandar/milepost/internal/mq"
	"github.com/zulandar/milepost/internal/outbox"
	"github.com/zulandar/milepost/internal/payment"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app is what every command needs: config, logger and database.
type app struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB
}

func connectFromConfig(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	return &app{cfg: cfg, log: log, db: gormDB}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	_ = a.log.Sync()
}

// dispatcher is the outbox dispatcher with every side-effect handler
// registered, plus the connections it holds open.
type dispatcher struct {
	*outbox.Dispatcher
	publisher *mq.Publisher
	redis     *redis.Client
}

// newDispatcher wires the side-effect handlers. Chat messages always run;
// broker publishing runs when rabbitmq.url is set. Payment releases always
// have a handler, so an unset release url fails loudly through retries and
// alerts rather than dropping the release.
func newDispatcher(a *app) (*dispatcher, error) {
	cfg := a.cfg
	d := &dispatcher{
		Dispatcher: outbox.NewDispatcher(a.db, a.log).
			WithMaxRetries(cfg.Reconciler.MaxRetries).
			WithBatchSize(cfg.Reconciler.BatchSize).
			WithAlerter(alert.FromConfig(cfg.Alerts, a.log)),
	}

	d.Handle("*", "messaging", messaging.Handler(a.db))

	if cfg.RabbitMQ.URL != "" {
		pub, err := mq.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, err
		}
		d.publisher = pub
		d.Handle("*", "mq", pub.Handler())
	} else {
		a.log.Warn("rabbitmq.url not set, notification events are not published")
	}

	var releaser payment.Releaser = payment.NewClient(cfg.Payment.ReleaseURL, cfg.Payment.Timeout)
	if cfg.Redis.Addr != "" {
		d.redis = payment.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		releaser = payment.NewDeduped(releaser, d.redis, cfg.Redis.DedupeTTL, a.log)
	}
	d.Handle(outbox.MilestoneReleased, "payment", payment.Handler(releaser))

	return d, nil
}

func (d *dispatcher) close() {
	if d.publisher != nil {
		d.publisher.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}
