package grpc

import (
	"context"
	"net"
	"testing"
	"time"
)

const testService = "tablesync.sync"

func startHealthServer(t *testing.T) *HealthServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := NewHealthServer(listener, testService)
	if err != nil {
		t.Fatalf("new health server: %v", err)
	}
	server.Start()
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("stop health server: %v", err)
		}
	})
	return server
}

func TestNewHealthServerRequiresListener(t *testing.T) {
	if _, err := NewHealthServer(nil); err == nil {
		t.Fatal("expected listener error")
	}
}

func TestWaitForHealthServing(t *testing.T) {
	server := startHealthServer(t)
	server.SetServing(true, testService)

	conn, err := DialHealth(server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForHealth(ctx, conn, testService, nil); err != nil {
		t.Fatalf("wait for health: %v", err)
	}
}

func TestWaitForHealthTransitionsToServing(t *testing.T) {
	server := startHealthServer(t)

	conn, err := DialHealth(server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		server.SetServing(true, testService)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForHealth(ctx, conn, "", nil); err != nil {
		t.Fatalf("wait for health after transition: %v", err)
	}
}

func TestWaitForHealthRespectsContext(t *testing.T) {
	server := startHealthServer(t)

	conn, err := DialHealth(server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := WaitForHealth(ctx, conn, testService, nil); err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestWaitForHealthRequiresConn(t *testing.T) {
	if err := WaitForHealth(context.Background(), nil, "", nil); err == nil {
		t.Fatal("expected missing connection error")
	}
}
