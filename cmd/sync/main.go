// Package main starts the tabletop sync service and handles termination.
//
// The process owns live session state in memory and streams ordered deltas
// to every connected participant.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	synccmd "github.com/louisbranch/tablesync/internal/cmd/sync"
	"github.com/louisbranch/tablesync/internal/platform/config"
	platformgrpc "github.com/louisbranch/tablesync/internal/platform/grpc"
	"github.com/louisbranch/tablesync/internal/platform/timeouts"
	server "github.com/louisbranch/tablesync/internal/services/sync/app"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("load env: %v", err)
	}
	healthcheck := flag.Bool("healthcheck", false, "probe the running service health endpoint and exit")
	cfg, err := synccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SYNC] ")

	if *healthcheck {
		if err := probe(cfg.HealthAddr); err != nil {
			log.Fatalf("healthcheck: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := synccmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func probe(addr string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	conn, err := platformgrpc.DialHealth(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.HealthDial+time.Second)
	defer cancel()
	return platformgrpc.WaitForHealth(ctx, conn, server.HealthService, nil)
}
