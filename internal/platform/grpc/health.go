package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes the standard gRPC health service for a process whose
// primary surface is not gRPC, so orchestrators can probe it uniformly.
type HealthServer struct {
	grpcServer   *gogrpc.Server
	healthServer *health.Server
	listener     net.Listener
	serveErr     chan error
}

// NewHealthServer registers a health service on listener and marks each named
// service, plus the overall server, as NOT_SERVING until SetServing is called.
func NewHealthServer(listener net.Listener, services ...string) (*HealthServer, error) {
	if listener == nil {
		return nil, errors.New("health listener is required")
	}
	grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return &HealthServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		listener:     listener,
		serveErr:     make(chan error, 1),
	}, nil
}

// Addr returns the bound listener address.
func (s *HealthServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Start begins serving in the background.
func (s *HealthServer) Start() {
	go func() {
		s.serveErr <- s.grpcServer.Serve(s.listener)
	}()
}

// SetServing flips the overall status and every named service.
func (s *HealthServer) SetServing(serving bool, services ...string) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	for _, service := range services {
		s.healthServer.SetServingStatus(service, status)
	}
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *HealthServer) Stop() error {
	s.healthServer.Shutdown()
	s.grpcServer.GracefulStop()
	err := <-s.serveErr
	if errors.Is(err, gogrpc.ErrServerStopped) {
		return nil
	}
	return err
}

// DialHealth opens a client connection suitable for WaitForHealth.
func DialHealth(addr string) (*gogrpc.ClientConn, error) {
	conn, err := gogrpc.NewClient(addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial health %s: %w", addr, err)
	}
	return conn, nil
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("gRPC health check is SERVING")
			}
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for gRPC health: %v", err)
			} else {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
