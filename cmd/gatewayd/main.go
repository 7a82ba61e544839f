// Package main implements gatewayd, the Nano protocol gateway daemon. It
// exposes an HTTP RPC surface and a websocket fan-out surface to client
// applications, bridging them to a Nano node and an optional dPoW service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nanotools/nanogate/internal/config"
	"github.com/nanotools/nanogate/internal/database"
	"github.com/nanotools/nanogate/internal/fanout"
	"github.com/nanotools/nanogate/internal/gateway"
	"github.com/nanotools/nanogate/internal/messaging"
	"github.com/nanotools/nanogate/internal/node"
	"github.com/nanotools/nanogate/internal/stream"
	"github.com/nanotools/nanogate/internal/subs"
	"github.com/nanotools/nanogate/internal/work"
	"github.com/nanotools/nanogate/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gatewayd",
		"version", cfg.Version,
		"listen_port", cfg.ListenPort,
		"fanout_port", cfg.FanoutPort,
		"node_rpc", cfg.NodeRPCURL(),
		"dpow_enabled", cfg.DpowEnabled,
	)

	// Storage backends (all optional)
	dbManager, err := database.NewManager(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create storage manager")
		os.Exit(1)
	}

	// Kafka archive (optional)
	var kafkaClient *messaging.KafkaClient
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	}

	// Node RPC client
	rpc := node.NewRPCClient(cfg.NodeRPCURL(), cfg.RPCTimeout)

	// Create the daemon
	daemon := NewDaemon(cfg, logger, rpc, dbManager, kafkaClient)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the daemon
	go func() {
		if err := daemon.Start(ctx); err != nil {
			logger.WithError(err).Error("daemon failed")
			cancel()
		}
	}()

	// Wait for shutdown signal or daemon failure
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("gatewayd stopped")
}

// Daemon wires the gateway's components together and owns their lifecycles.
type Daemon struct {
	cfg    *config.Config
	logger *log.Logger

	rpc         node.RPCInterface
	dbManager   *database.Manager
	kafkaClient *messaging.KafkaClient

	nodeStream *stream.Conn
	dpowStream *stream.Conn
	broker     *work.Broker
	subs       *subs.Manager
	gateway    *gateway.Server
	fanout     *fanout.Server

	wg sync.WaitGroup
}

// NewDaemon builds the component graph. The dPoW stream and broker delegation
// exist only when dPoW is enabled; the gateway degrades to node-side work
// generation otherwise.
func NewDaemon(cfg *config.Config, logger *log.Logger, rpc node.RPCInterface, dbManager *database.Manager, kafkaClient *messaging.KafkaClient) *Daemon {
	d := &Daemon{
		cfg:         cfg,
		logger:      logger.WithComponent("daemon"),
		rpc:         rpc,
		dbManager:   dbManager,
		kafkaClient: kafkaClient,
	}

	// Upstream node event stream
	d.nodeStream = stream.New(cfg.NodeWSURL, logger, &stream.Options{
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	d.nodeStream.OnTransition(func(s stream.State) {
		dbManager.RecordConnection("node_ws", s.String())
	})

	// dPoW delegation stream
	var delegator work.Delegator
	if cfg.DpowEnabled {
		d.dpowStream = stream.New(cfg.DpowWSURL, logger, &stream.Options{
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
		d.dpowStream.OnTransition(func(s stream.State) {
			dbManager.RecordConnection("dpow_ws", s.String())
		})
		delegator = d.dpowStream
	}

	// Work broker
	d.broker = work.NewBroker(logger, work.Options{
		RPC:       rpc,
		Delegator: delegator,
		Cache:     dbManager,
		Metrics:   dbManager,
		User:      cfg.DpowUser,
		APIKey:    cfg.DpowAPIKey,
		Timeout:   cfg.WorkTimeout,
	})
	if d.dpowStream != nil {
		d.dpowStream.OnMessage(d.broker.HandleReply)
	}

	// Subscription manager over the node stream
	var archiver subs.Archiver
	if kafkaClient != nil {
		archiver = kafkaClient
	}
	d.subs = subs.NewManager(logger, d.nodeStream, archiver, dbManager)
	d.nodeStream.OnConnect(d.subs.HandleConnect)
	d.nodeStream.OnMessage(d.subs.HandleEvent)

	// Inbound surfaces
	d.gateway = gateway.NewServer(cfg, logger, rpc, d.broker, d.payoutStore(), dbManager, dbManager)
	d.fanout = fanout.NewServer(cfg, logger, d.subs)

	return d
}

// payoutStore returns the faucet payout sink, nil when no backend can record
// payouts.
func (d *Daemon) payoutStore() gateway.PayoutStore {
	if d.dbManager.Payouts == nil && d.kafkaClient == nil {
		return nil
	}
	return &payoutRecorder{
		dbManager:   d.dbManager,
		kafkaClient: d.kafkaClient,
	}
}

// Start launches the streams and servers and blocks until one of the servers
// fails or the context ends.
func (d *Daemon) Start(ctx context.Context) error {
	d.dbManager.StartPeriodicTasks(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.nodeStream.Run(ctx); err != nil && err != context.Canceled {
			d.logger.WithError(err).Error("node stream terminated")
		}
	}()

	if d.dpowStream != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.dpowStream.Run(ctx); err != nil && err != context.Canceled {
				d.logger.WithError(err).Error("dpow stream terminated")
			}
		}()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- d.gateway.Start() }()
	go func() { errCh <- d.fanout.Start() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the servers, closes the streams and releases every backend.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down daemon")

	var errs []error

	if err := d.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	if err := d.fanout.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fanout shutdown: %w", err))
	}

	d.nodeStream.Close()
	if d.dpowStream != nil {
		d.dpowStream.Close()
	}

	if d.kafkaClient != nil {
		if err := d.kafkaClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}

	if err := d.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("shutdown timeout exceeded")
		errs = append(errs, ctx.Err())
	}

	if len(errs) > 0 {
		return fmt.Errorf("daemon shutdown errors: %v", errs)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// payoutRecorder fans a faucet payout out to every configured sink: the
// PostgreSQL history and the Kafka accounting topic.
type payoutRecorder struct {
	dbManager   *database.Manager
	kafkaClient *messaging.KafkaClient
}

func (p *payoutRecorder) RecordPayout(ctx context.Context, account, amount, sendHash string) error {
	if err := p.dbManager.RecordPayout(ctx, account, amount, sendHash); err != nil {
		return err
	}

	if p.kafkaClient != nil {
		record := &messaging.PayoutRecord{
			Account:   account,
			Amount:    amount,
			SendHash:  sendHash,
			CreatedAt: time.Now(),
		}
		if err := p.kafkaClient.PublishPayout(ctx, record); err != nil {
			return err
		}
	}

	return nil
}
