// Package server hosts the HTTP and WebSocket surface of the sync service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	platformgrpc "github.com/louisbranch/tablesync/internal/platform/grpc"
	"github.com/louisbranch/tablesync/internal/platform/timeouts"
	"github.com/louisbranch/tablesync/internal/services/sync/engine"
	"github.com/louisbranch/tablesync/internal/services/sync/persist"
	"github.com/louisbranch/tablesync/internal/services/sync/registry"
	"github.com/louisbranch/tablesync/internal/services/sync/state"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
)

// HealthService is the gRPC health service name reported by the process.
const HealthService = "tablesync.sync.v1.SyncService"

// Config defines the inputs for the sync transport boundary.
type Config struct {
	HTTPAddr string
	// HealthAddr enables the gRPC health server when set.
	HealthAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	WriteTimeout      time.Duration

	Engine    engine.Config
	Persist   persist.Options
	ChatRate  float64
	ChatBurst int

	Authenticator Authenticator
	Now           func() time.Time
}

// Server hosts the sync HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	healthAddr      string
	shutdownTimeout time.Duration
	writeTimeout    time.Duration
	httpServer      *http.Server
	health          *platformgrpc.HealthServer

	auth     Authenticator
	codec    frameCodec
	now      func() time.Time
	store    storage.Store
	registry *registry.Registry
	bridge   *persist.Bridge
	engine   *engine.Engine

	closeOnce sync.Once
	closeErr  error
}

// NewServer wires the sync components over store. The server owns store and
// closes it in Close.
func NewServer(config Config, store storage.Store) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = timeouts.WebSocketWrite
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Engine.Now == nil {
		config.Engine.Now = config.Now
	}

	codec := frameCodec{now: config.Now}
	reg := registry.New(registry.Options{
		ChatRate:    rate.Limit(config.ChatRate),
		ChatBurst:   config.ChatBurst,
		LeftMessage: codec.ParticipantLeft,
		Now:         config.Now,
	})
	states := state.New(store, state.WithClock(config.Now))
	bridge := persist.New(store, config.Persist)

	s := &Server{
		httpAddr:        httpAddr,
		healthAddr:      strings.TrimSpace(config.HealthAddr),
		shutdownTimeout: config.ShutdownTimeout,
		writeTimeout:    config.WriteTimeout,
		auth:            config.Authenticator,
		codec:           codec,
		now:             config.Now,
		store:           store,
		registry:        reg,
		bridge:          bridge,
		engine:          engine.New(config.Engine, reg, states, bridge, codec),
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	imports := newImportHandler(s.store, s.auth)
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("POST /api/imports", imports.create)
	mux.HandleFunc("GET /api/imports/{id}", imports.get)
	return mux
}

// Run serves until ctx ends and then shuts down gracefully.
func Run(ctx context.Context, config Config, store storage.Store) error {
	server, err := NewServer(config, store)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("init sync server: %w", err)
	}
	serveErr := server.ListenAndServe(ctx)
	closeErr := server.Close()
	if serveErr != nil {
		return fmt.Errorf("serve sync: %w", serveErr)
	}
	return closeErr
}

// ListenAndServe serves HTTP, the optional health endpoint and the idle
// sweeper until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if s.healthAddr != "" {
		listener, err := net.Listen("tcp", s.healthAddr)
		if err != nil {
			return fmt.Errorf("listen health %s: %w", s.healthAddr, err)
		}
		health, err := platformgrpc.NewHealthServer(listener, HealthService)
		if err != nil {
			_ = listener.Close()
			return err
		}
		s.health = health
		health.Start()
		log.Printf("sync: health server listening on %s", listener.Addr())
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.engine.Run(sweepCtx)

	serveErr := make(chan error, 1)
	log.Printf("sync: server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()
	if s.health != nil {
		s.health.SetServing(true, HealthService)
	}

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.SetServing(false, HealthService)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close writes final snapshots, drops every connection, drains the
// persistence queue and closes the store.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := s.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
		s.registry.CloseAll()
		if err := s.bridge.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain persistence: %w", err))
		}
		if s.health != nil {
			if err := s.health.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop health server: %w", err))
			}
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
