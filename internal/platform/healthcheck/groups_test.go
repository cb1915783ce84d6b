package healthcheck_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/platform/healthcheck"
)

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func targetOf(t *testing.T, rawURL string) platform.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(rawURL)
	if err != nil {
		t.Fatalf("split %q: %v", rawURL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return platform.Target{Address: host, Port: port}
}

func healthOf(t *testing.T, g *healthcheck.Groups, group string, target platform.Target) platform.TargetHealth {
	t.Helper()
	h, err := g.DescribeTargetHealth(context.Background(), group, target)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	return h
}

func TestGroups_TCPTargetBecomesHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	g := healthcheck.New(healthcheck.Config{Interval: 10 * time.Millisecond, HealthyThreshold: 2})
	defer g.Close()
	target := targetOf(t, ln.Addr().String())

	if h := healthOf(t, g, "tag", target); h != platform.TargetUnused {
		t.Fatalf("unregistered target health = %s", h)
	}
	if err := g.RegisterTarget(context.Background(), "tag", target); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := g.RegisterTarget(context.Background(), "tag", target); !errors.Is(err, platform.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return healthOf(t, g, "tag", target) == platform.TargetHealthy })

	if err := g.DeregisterTarget(context.Background(), "tag", target); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if h := healthOf(t, g, "tag", target); h != platform.TargetUnused {
		t.Fatalf("deregistered target health = %s", h)
	}
}

func TestGroups_HTTPFailingTargetBecomesUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := healthcheck.New(healthcheck.Config{Protocol: "http", Interval: 10 * time.Millisecond, UnhealthyThreshold: 2})
	defer g.Close()
	target := targetOf(t, srv.Listener.Addr().String())
	if err := g.RegisterTarget(context.Background(), "tag", target); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return healthOf(t, g, "tag", target) == platform.TargetUnhealthy })
}

func TestGroups_HTTPHealthyTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := healthcheck.New(healthcheck.Config{Protocol: "http", Interval: 10 * time.Millisecond})
	defer g.Close()
	target := targetOf(t, srv.Listener.Addr().String())
	if err := g.RegisterTarget(context.Background(), "tag", target); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return healthOf(t, g, "tag", target) == platform.TargetHealthy })
}
