package main

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/blockchain-for/blockstream-electrs/pkg/chain"
	"github.com/blockchain-for/blockstream-electrs/pkg/mempool"
	"github.com/blockchain-for/blockstream-electrs/pkg/node"
	"github.com/blockchain-for/blockstream-electrs/pkg/pubsub"
	"github.com/blockchain-for/blockstream-electrs/pkg/query"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
)

func TestConfigSetDefaults(t *testing.T) {
	cfg := &Config{}
	v := viper.New()
	cfg.SetDefaults(v)

	// Verify server defaults
	if v.GetInt("server.port") != 8080 {
		t.Errorf("expected server.port=8080, got %d", v.GetInt("server.port"))
	}
	if v.GetString("server.host") != "0.0.0.0" {
		t.Errorf("expected server.host=0.0.0.0, got %s", v.GetString("server.host"))
	}
	if v.GetString("server.base_path") != "/api" {
		t.Errorf("expected server.base_path=/api, got %s", v.GetString("server.base_path"))
	}

	// Verify package defaults are set
	if v.GetString("store.mode") != store.ModeEmbedded {
		t.Errorf("expected store.mode=embedded, got %s", v.GetString("store.mode"))
	}
	if v.GetString("store.provider") != store.ProviderBadger {
		t.Errorf("expected store.provider=badger, got %s", v.GetString("store.provider"))
	}
	if v.GetString("pubsub.mode") != pubsub.ModeChannels {
		t.Errorf("expected pubsub.mode=channels, got %s", v.GetString("pubsub.mode"))
	}
	if v.GetString("node.mode") != node.ModeRPC {
		t.Errorf("expected node.mode=rpc, got %s", v.GetString("node.mode"))
	}
	if v.GetString("node.rpc.url") != "http://127.0.0.1:8332" {
		t.Errorf("unexpected node.rpc.url: %s", v.GetString("node.rpc.url"))
	}
	if v.GetString("mempool.mode") != mempool.ModeEmbedded {
		t.Errorf("expected mempool.mode=embedded, got %s", v.GetString("mempool.mode"))
	}
	if v.GetString("chain.mode") != chain.ModeEmbedded {
		t.Errorf("expected chain.mode=embedded, got %s", v.GetString("chain.mode"))
	}
	if v.GetInt("chain.max_reorg_depth") != 100 {
		t.Errorf("expected chain.max_reorg_depth=100, got %d", v.GetInt("chain.max_reorg_depth"))
	}
	if v.GetString("query.mode") != query.ModeEmbedded {
		t.Errorf("expected query.mode=embedded, got %s", v.GetString("query.mode"))
	}
}

func TestConfigInitializeDisabled(t *testing.T) {
	// Test with all services disabled
	cfg := &Config{
		Server: ServerConfig{
			Port:     8080,
			Host:     "0.0.0.0",
			BasePath: "/api",
		},
		Store:   store.Config{Mode: store.ModeDisabled},
		PubSub:  pubsub.Config{Mode: pubsub.ModeDisabled},
		Node:    node.Config{Mode: node.ModeDisabled},
		Mempool: mempool.Config{Mode: mempool.ModeDisabled},
		Chain:   chain.Config{Mode: chain.ModeDisabled},
		Query:   query.Config{Mode: query.ModeDisabled},
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	svc, err := cfg.Initialize(ctx, logger)
	if err != nil {
		t.Fatalf("expected no error with all services disabled, got: %v", err)
	}

	// Verify all services are nil when disabled
	if svc.Store != nil {
		t.Error("expected store to be nil when disabled")
	}
	if svc.PubSub != nil {
		t.Error("expected pubsub to be nil when disabled")
	}
	if svc.Node != nil {
		t.Error("expected node to be nil when disabled")
	}
	if svc.Mempool != nil {
		t.Error("expected mempool to be nil when disabled")
	}
	if svc.Chain != nil {
		t.Error("expected chain to be nil when disabled")
	}
	if svc.Query != nil {
		t.Error("expected query to be nil when disabled")
	}

	// Close should succeed with nil services
	if err := svc.Close(); err != nil {
		t.Fatalf("expected no error closing, got: %v", err)
	}
}

func TestConfigInitializeEmbedded(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     8080,
			Host:     "0.0.0.0",
			BasePath: "/api",
		},
		Store: store.Config{
			Mode:     store.ModeEmbedded,
			Provider: store.ProviderBadger,
			Badger:   store.BadgerConfig{InMemory: true},
		},
		PubSub:  pubsub.Config{Mode: pubsub.ModeChannels},
		Node:    node.Config{Mode: node.ModeDisabled},
		Mempool: mempool.Config{Mode: mempool.ModeEmbedded, MaxCount: 1000},
		Chain:   chain.Config{Mode: chain.ModeEmbedded},
		Query:   query.Config{Mode: query.ModeEmbedded},
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	svc, err := cfg.Initialize(ctx, logger)
	if err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	defer svc.Close()

	if svc.Store == nil || svc.Store.Store == nil {
		t.Fatal("expected store to be initialized")
	}
	if svc.PubSub == nil || svc.PubSub.PubSub == nil {
		t.Error("expected pubsub to be initialized")
	}
	if svc.Mempool == nil || svc.Mempool.Tracker == nil {
		t.Error("expected mempool tracker to be initialized")
	}
	// Chain needs a node; disabled node means no ingestion
	if svc.Chain != nil {
		t.Error("expected chain to be nil without a node")
	}
	if svc.Query == nil || svc.Query.Service == nil {
		t.Error("expected query service to be initialized")
	}
}

func TestLoadConfig(t *testing.T) {
	// Test loading config without a file
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("failed to load config without file: %v", err)
	}

	// Verify defaults are set
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server.port=8080, got %d", cfg.Server.Port)
	}
	if cfg.Chain.MaxReorgDepth != 100 {
		t.Errorf("expected chain.max_reorg_depth=100, got %d", cfg.Chain.MaxReorgDepth)
	}
}

func TestServicesClose(t *testing.T) {
	// Test Close with nil services
	svc := &Services{}
	if err := svc.Close(); err != nil {
		t.Fatalf("expected no error closing nil services, got: %v", err)
	}
}
