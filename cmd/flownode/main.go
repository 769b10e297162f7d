//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Command flownode hosts the nodes described by a configuration file and
// serves their RPC gateways until interrupted.
//
// Usage:
//
//	flownode -config node.toml
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/node"
	"trpc.group/trpc-go/trpc-flow-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-flow-go/telemetry/trace"
)

const serviceName = "flownode"

func main() {
	var path string
	flag.StringVar(&path, "config", "flownode.toml", "Path to a TOML or YAML configuration file")
	flag.Parse()

	cfg, err := node.LoadConfig(path)
	if err != nil {
		log.Fatalf("flownode: %v", err)
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		cleanTrace, err := trace.Start(ctx,
			trace.WithEndpoint(cfg.Telemetry.Endpoint),
			trace.WithProtocol(cfg.Telemetry.Protocol),
			trace.WithServiceName(serviceName),
		)
		if err != nil {
			log.Fatalf("flownode: start tracing: %v", err)
		}
		defer func() { _ = cleanTrace() }()
		cleanMetric, err := metric.Start(ctx,
			metric.WithEndpoint(cfg.Telemetry.Endpoint),
			metric.WithProtocol(cfg.Telemetry.Protocol),
			metric.WithServiceName(serviceName),
		)
		if err != nil {
			log.Fatalf("flownode: start metrics: %v", err)
		}
		defer func() { _ = cleanMetric() }()
	}

	network, err := node.New(cfg)
	if err != nil {
		log.Fatalf("flownode: %v", err)
	}
	if err := network.Start(ctx); err != nil {
		_ = network.Close()
		log.Fatalf("flownode: %v", err)
	}
	log.Infof("flownode: hosting %v", network.Names())

	<-ctx.Done()
	log.Infof("flownode: shutting down")
	if err := network.Close(); err != nil {
		log.Errorf("flownode: close: %v", err)
	}
}
