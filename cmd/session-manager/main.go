package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqpconsumer "your.org/wa-tenant-sessions/internal/amqp"
	"your.org/wa-tenant-sessions/internal/broker"
	"your.org/wa-tenant-sessions/internal/config"
	"your.org/wa-tenant-sessions/internal/credstore"
	httpserver "your.org/wa-tenant-sessions/internal/http"
	ilog "your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/pipeline"
	"your.org/wa-tenant-sessions/internal/provider"
	"your.org/wa-tenant-sessions/internal/session"
	"your.org/wa-tenant-sessions/internal/status"
	"your.org/wa-tenant-sessions/internal/store"
	"your.org/wa-tenant-sessions/internal/tenantcfg"
)

// main wires the configuration, the persistence layer, the whatsmeow wire
// factory and the session manager, then starts the AMQP consumer and the
// HTTP API.  SIGINT or SIGTERM triggers a graceful shutdown that closes
// every session while keeping credentials on disk.
func main() {
	cfg, err := config.Load()
	if err != nil {
		ilog.Errorf("config: %v", err)
		os.Exit(1)
	}
	ilog.Init(cfg.LogLevel)
	defer ilog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		ilog.Errorf("open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	creds, err := credstore.NewFileStore(cfg.SessionStore)
	if err != nil {
		ilog.Errorf("credential store: %v", err)
		os.Exit(1)
	}

	// Redis is optional: a nil client disables the mirror and overrides.
	rdb, err := status.Dial(cfg.RedisURL)
	if err != nil {
		ilog.Errorf("redis: %v", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	statuses := status.NewMirror(db, rdb)

	settings := tenantcfg.New(rdb, pipeline.DefaultSettings(cfg.LeadDefaultStage), cfg.TenantConfigCacheTTL())
	inbound := pipeline.New(db, db,
		pipeline.WithSettings(settings),
		pipeline.WithRegion(cfg.PhoneRegion),
		pipeline.WithKnownLeadTTL(cfg.KnownLeadTTL()),
	)

	publisher := broker.NewPublisher(cfg.AMQPURL, cfg.AMQPEventsExchange)
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		publisher.Run(pubCtx)
	}()

	observer := session.Observers{
		session.ObserverFuncs{Message: inbound.Consume},
		publisher,
	}

	policy := session.Policy{
		MaxRetries:         cfg.MaxRetries,
		BackoffDelay:       cfg.Backoff(),
		PairingTTL:         cfg.PairingCodeTTL(),
		MaxPairingExpiries: cfg.MaxPairingExpiries,
		HandshakeTimeout:   cfg.Handshake(),
		KeepaliveInterval:  cfg.Keepalive(),
		SendTimeout:        cfg.SendDeadline(),
	}
	factory := provider.NewFactory(cfg.SessionStore, cfg.PhoneRegion)
	manager := session.NewManager(factory, creds, statuses, observer, policy)

	if cfg.RestoreOnStart {
		if restored, err := manager.RestoreSaved(ctx); err != nil {
			ilog.Errorf("failed to restore saved sessions: %v", err)
		} else if len(restored) > 0 {
			ilog.Infof("restoring %d saved session(s): %v", len(restored), restored)
		} else {
			ilog.Infof("no saved sessions to restore")
		}
	}

	// Ensure the exchanges and durable queue exist so that publishers can
	// send commands even if this service is temporarily offline.
	if err := amqpconsumer.InitExchange(cfg); err != nil {
		ilog.Errorf("failed to initialize AMQP exchange: %v", err)
		os.Exit(1)
	}

	consumer, err := amqpconsumer.NewConsumer(cfg, manager)
	if err != nil {
		ilog.Errorf("failed to initialise AMQP consumer: %v", err)
		os.Exit(1)
	}
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go func() {
		if err := consumer.Start(consumerCtx); err != nil {
			ilog.Errorf("AMQP consumer stopped: %v", err)
		}
	}()

	srv := httpserver.NewServer(cfg, manager, db)
	go func() {
		if err := srv.Start(); err != nil {
			ilog.Errorf("HTTP server stopped: %v", err)
		}
	}()

	// Wait for a termination signal and initiate a graceful shutdown.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ilog.Infof("Shutting down…")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		ilog.Errorf("failed to shutdown HTTP server: %v", err)
	}
	stopConsumer()
	consumer.Close()
	manager.Shutdown(shutdownCtx)
	stopPublisher()
	<-pubDone
	cancel()
}
