// Package cmd holds the startup helpers shared by service commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/tablesync/internal/platform/config"
	"github.com/louisbranch/tablesync/internal/platform/otel"
)

const defaultTelemetryShutdown = 5 * time.Second

// ServiceSync names the sync service in telemetry and logs.
const ServiceSync = "sync"

type runOptions struct {
	shutdownTimeout time.Duration
}

// RunOption adjusts RunWithTelemetry.
type RunOption func(*runOptions)

// WithShutdownTimeout bounds how long pending spans may take to flush.
func WithShutdownTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// ParseConfig fills cfg from the environment, applying envDefault tags.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags over values already loaded from env.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry sets up tracing for service, runs it and flushes spans on
// the way out. The run error is returned unchanged.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error, opts ...RunOption) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	o := runOptions{shutdownTimeout: defaultTelemetryShutdown}
	for _, opt := range opts {
		opt(&o)
	}

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Printf("%s: telemetry shutdown: %v", service, err)
		}
	}()

	started := time.Now()
	err = run(ctx)
	log.Printf("%s: stopped after %s", service, time.Since(started).Round(time.Second))
	return err
}
