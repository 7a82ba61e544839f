package main

import (
	"context"
	"testing"
	"time"

	"github.com/nanotools/nanogate/internal/config"
	"github.com/nanotools/nanogate/internal/database"
	"github.com/nanotools/nanogate/internal/messaging"
	"github.com/nanotools/nanogate/internal/node"
	"github.com/nanotools/nanogate/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName: "test-gatewayd",
		Version:     "test",
		LogLevel:    "error", // Reduce log noise in tests
		LogFormat:   "json",
		ListenAddr:  "127.0.0.1",
		ListenPort:  0, // Use random port for tests
		FanoutAddr:  "127.0.0.1",
		FanoutPort:  0,
		NodeRPCHost: "localhost",
		NodeRPCPort: 7076,
		NodeWSURL:   "ws://localhost:7078",
		RPCTimeout:  time.Second,
		WorkTimeout: time.Second,
		DialTimeout: time.Second,
	}
}

func TestNewDaemon(t *testing.T) {
	cfg := testConfig()
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	// No backend URLs configured, so no connections are opened.
	dbManager, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	rpc := node.NewRPCClient(cfg.NodeRPCURL(), cfg.RPCTimeout)
	daemon := NewDaemon(cfg, logger, rpc, dbManager, nil)

	if daemon == nil {
		t.Fatal("NewDaemon() returned nil")
	}
	if daemon.nodeStream == nil {
		t.Error("NewDaemon() did not create the node stream")
	}
	if daemon.dpowStream != nil {
		t.Error("dPoW stream should not exist when dPoW is disabled")
	}
	if daemon.broker == nil {
		t.Error("NewDaemon() did not create the work broker")
	}
	if daemon.broker.Available() {
		t.Error("broker must not report available without a dPoW stream")
	}
	if daemon.subs == nil {
		t.Error("NewDaemon() did not create the subscription manager")
	}
	if daemon.gateway == nil || daemon.fanout == nil {
		t.Error("NewDaemon() did not create both servers")
	}
}

func TestNewDaemon_DpowEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.DpowEnabled = true
	cfg.DpowWSURL = "ws://localhost:5555"
	cfg.DpowUser = "user"
	cfg.DpowAPIKey = "key"

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	dbManager, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	rpc := node.NewRPCClient(cfg.NodeRPCURL(), cfg.RPCTimeout)
	daemon := NewDaemon(cfg, logger, rpc, dbManager, nil)

	if daemon.dpowStream == nil {
		t.Fatal("dPoW stream should exist when dPoW is enabled")
	}
	if daemon.broker.Available() {
		t.Error("broker must not report available before the first handshake")
	}
}

func TestPayoutStore_NoBackends(t *testing.T) {
	cfg := testConfig()
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	dbManager, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	rpc := node.NewRPCClient(cfg.NodeRPCURL(), cfg.RPCTimeout)
	daemon := NewDaemon(cfg, logger, rpc, dbManager, nil)

	if daemon.payoutStore() != nil {
		t.Error("payoutStore() should be nil without PostgreSQL or Kafka")
	}
}

func TestPayoutRecorder_KafkaOnly(t *testing.T) {
	cfg := testConfig()
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	dbManager, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	kafkaClient := messaging.NewKafkaClient([]string{"localhost:9092"}, logger)
	rpc := node.NewRPCClient(cfg.NodeRPCURL(), cfg.RPCTimeout)
	daemon := NewDaemon(cfg, logger, rpc, dbManager, kafkaClient)

	store := daemon.payoutStore()
	if store == nil {
		t.Fatal("payoutStore() should exist with a Kafka client")
	}

	// Publish fails without a running broker; the error must surface.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := store.RecordPayout(ctx, "nano_1abc", "1", "HASH"); err == nil {
		t.Log("RecordPayout succeeded unexpectedly; a local Kafka broker may be running")
	}
}
