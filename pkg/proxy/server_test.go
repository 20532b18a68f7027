// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/FrankXu7/quilkin/pkg/config"
	"github.com/FrankXu7/quilkin/pkg/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// startBackend binds an echo server that prefixes every reply with "echo:".
func startBackend(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind backend: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(append([]byte("echo:"), buf[:n]...), addr)
		}
	}()
	return conn
}

// startProxy runs a server over the given store and waits until the
// downstream socket is bound.
func startProxy(t *testing.T, store *config.Store, m *metrics.Metrics) *Server {
	t.Helper()

	srv := New(Config{
		Address:         "127.0.0.1:0",
		Workers:         2,
		SessionTimeout:  time.Second,
		SweepInterval:   50 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		Logger:          testLogger(),
	}, store, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Proxy did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Proxy did not shut down")
		}
	})

	return srv
}

func dialProxy(t *testing.T, addr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *net.UDPConn, timeout time.Duration) (string, error) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func TestProxy_ForwardAndReply(t *testing.T) {
	backend := startBackend(t)

	store := config.NewStore(testLogger(), nil)
	snap, err := config.Static("test", []string{backend.LocalAddr().String()})
	if err != nil {
		t.Fatalf("Static failed: %v", err)
	}
	if err := store.Publish(snap); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := startProxy(t, store, metrics.New("test", prometheus.NewRegistry()))
	client := dialProxy(t, srv.Addr())

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	reply, err := readReply(t, client, 3*time.Second)
	if err != nil {
		t.Fatalf("No reply: %v", err)
	}
	if reply != "echo:hello" {
		t.Errorf("Reply = %q, want echo:hello", reply)
	}

	if srv.Sessions().Count() != 1 {
		t.Errorf("Sessions = %d, want 1", srv.Sessions().Count())
	}
}

func TestProxy_SessionReusedAcrossPackets(t *testing.T) {
	backend := startBackend(t)

	store := config.NewStore(testLogger(), nil)
	snap, err := config.Static("test", []string{backend.LocalAddr().String()})
	if err != nil {
		t.Fatalf("Static failed: %v", err)
	}
	if err := store.Publish(snap); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := startProxy(t, store, metrics.New("test", prometheus.NewRegistry()))
	client := dialProxy(t, srv.Addr())

	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("msg-%d", i)
		if _, err := client.Write([]byte(msg)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		reply, err := readReply(t, client, 3*time.Second)
		if err != nil {
			t.Fatalf("No reply to %s: %v", msg, err)
		}
		if reply != "echo:"+msg {
			t.Errorf("Reply = %q, want echo:%s", reply, msg)
		}
	}

	if srv.Sessions().Count() != 1 {
		t.Errorf("Sessions = %d, want one session across all packets", srv.Sessions().Count())
	}
}

func TestProxy_TokenRouting(t *testing.T) {
	backendA := startBackend(t)
	backendB := startBackend(t)

	// Suffix capture strips the 3-byte token, the router matches it against
	// the endpoint metadata.
	yaml := fmt.Sprintf(`
version: v1alpha1
filters:
  - name: capture
    config:
      size: 3
      remove: true
  - name: token-router
clusters:
  default:
    policy: TOKEN
    localities:
      - endpoints:
          - address: %s
            metadata:
              tokens: ["YWJj"]
          - address: %s
            metadata:
              tokens: ["eHl6"]
`, backendA.LocalAddr(), backendB.LocalAddr())

	store := config.NewStore(testLogger(), nil)
	snap, err := config.Load(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := store.Publish(snap); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := startProxy(t, store, metrics.New("test", prometheus.NewRegistry()))
	client := dialProxy(t, srv.Addr())

	// Token "xyz" routes to backend B, with the token stripped.
	if _, err := client.Write([]byte("helloxyz")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	reply, err := readReply(t, client, 3*time.Second)
	if err != nil {
		t.Fatalf("No reply: %v", err)
	}
	if reply != "echo:hello" {
		t.Errorf("Reply = %q, want echo:hello", reply)
	}

	sess, ok := srv.Sessions().Get(client.LocalAddr().String(), backendB.LocalAddr().String())
	if !ok {
		t.Fatal("Expected a session to backend B")
	}
	if sess.EndpointAddr != backendB.LocalAddr().String() {
		t.Errorf("Session endpoint = %s", sess.EndpointAddr)
	}

	// An unknown token is dropped without creating a session.
	if _, err := client.Write([]byte("hello???")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if reply, err := readReply(t, client, 300*time.Millisecond); err == nil {
		t.Errorf("Unexpected reply %q for unroutable token", reply)
	}
	if srv.Sessions().Count() != 1 {
		t.Errorf("Sessions = %d, want 1", srv.Sessions().Count())
	}
}

func TestProxy_FirewallDenyCreatesNoSession(t *testing.T) {
	backend := startBackend(t)

	yaml := fmt.Sprintf(`
version: v1alpha1
filters:
  - name: firewall
    config:
      on_read:
        - action: deny
          sources: ["127.0.0.0/8"]
clusters:
  default:
    localities:
      - endpoints:
          - address: %s
`, backend.LocalAddr())

	store := config.NewStore(testLogger(), nil)
	snap, err := config.Load(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := store.Publish(snap); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := startProxy(t, store, metrics.New("test", prometheus.NewRegistry()))
	client := dialProxy(t, srv.Addr())

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if reply, err := readReply(t, client, 300*time.Millisecond); err == nil {
		t.Errorf("Unexpected reply %q through the firewall", reply)
	}
	if srv.Sessions().Count() != 0 {
		t.Errorf("Sessions = %d, denied packet must not create one", srv.Sessions().Count())
	}
}

func TestProxy_FilterOrderAcrossLegs(t *testing.T) {
	// Raw backend: record what arrives on the wire and echo it unchanged,
	// so both the upstream payload and the reply leg can be asserted.
	backend, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := backend.ReadFromUDP(buf)
			if err != nil {
				return
			}
			received <- append([]byte(nil), buf[:n]...)
			backend.WriteToUDP(buf[:n], addr)
		}
	}()

	// Read leg runs top to bottom, write leg bottom to top: the first
	// concatenate stamps "xyz" before compression, the second stamps "abc"
	// after decompression on the way back.
	yaml := fmt.Sprintf(`
version: v1alpha1
filters:
  - name: concatenate
    config:
      on_read: APPEND
      bytes: eHl6
  - name: concatenate
    config:
      on_write: APPEND
      bytes: YWJj
  - name: compress
    config:
      on_read: COMPRESS
      on_write: DECOMPRESS
clusters:
  default:
    localities:
      - endpoints:
          - address: %s
`, backend.LocalAddr())

	store := config.NewStore(testLogger(), nil)
	snap, err := config.Load(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := store.Publish(snap); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := startProxy(t, store, metrics.New("test", prometheus.NewRegistry()))
	client := dialProxy(t, srv.Addr())

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var wire []byte
	select {
	case wire = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("Backend received nothing")
	}

	// The upstream sees the compressed form of the stamped payload.
	if string(wire) == "helloxyz" {
		t.Error("Upstream payload was not compressed")
	}
	decoded, err := snappy.Decode(nil, wire)
	if err != nil {
		t.Fatalf("Upstream payload is not snappy: %v", err)
	}
	if string(decoded) != "helloxyz" {
		t.Errorf("Upstream payload = %q, want helloxyz", decoded)
	}

	// The reply is decompressed first, then stamped by the second filter.
	reply, err := readReply(t, client, 3*time.Second)
	if err != nil {
		t.Fatalf("No reply: %v", err)
	}
	if reply != "helloxyzabc" {
		t.Errorf("Reply = %q, want helloxyzabc", reply)
	}
}

func TestProxy_NoEndpointsDrops(t *testing.T) {
	store := config.NewStore(testLogger(), nil)

	srv := startProxy(t, store, metrics.New("test", prometheus.NewRegistry()))
	client := dialProxy(t, srv.Addr())

	// The seed snapshot has no endpoints; the packet has nowhere to go.
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if reply, err := readReply(t, client, 300*time.Millisecond); err == nil {
		t.Errorf("Unexpected reply %q with no endpoints", reply)
	}
}

func TestProxy_ConfigSwapRedirectsNewPackets(t *testing.T) {
	backendA := startBackend(t)
	backendB := startBackend(t)

	store := config.NewStore(testLogger(), nil)
	snapA, err := config.Static("a", []string{backendA.LocalAddr().String()})
	if err != nil {
		t.Fatalf("Static failed: %v", err)
	}
	if err := store.Publish(snapA); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := startProxy(t, store, metrics.New("test", prometheus.NewRegistry()))
	client := dialProxy(t, srv.Addr())

	if _, err := client.Write([]byte("one")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if reply, err := readReply(t, client, 3*time.Second); err != nil || reply != "echo:one" {
		t.Fatalf("Reply = %q, %v", reply, err)
	}

	// Swap the config to backend B. Packets from a new client flow there.
	snapB, err := config.Static("b", []string{backendB.LocalAddr().String()})
	if err != nil {
		t.Fatalf("Static failed: %v", err)
	}
	if err := store.Publish(snapB); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	other := dialProxy(t, srv.Addr())
	if _, err := other.Write([]byte("two")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if reply, err := readReply(t, other, 3*time.Second); err != nil || reply != "echo:two" {
		t.Fatalf("Reply = %q, %v", reply, err)
	}

	if _, ok := srv.Sessions().Get(other.LocalAddr().String(), backendB.LocalAddr().String()); !ok {
		t.Error("Expected the new flow to session against backend B")
	}
}

func TestProxy_IdleSessionExpires(t *testing.T) {
	backend := startBackend(t)

	store := config.NewStore(testLogger(), nil)
	snap, err := config.Static("test", []string{backend.LocalAddr().String()})
	if err != nil {
		t.Fatalf("Static failed: %v", err)
	}
	if err := store.Publish(snap); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := New(Config{
		Address:         "127.0.0.1:0",
		Workers:         2,
		SessionTimeout:  200 * time.Millisecond,
		SweepInterval:   50 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		Logger:          testLogger(),
	}, store, metrics.New("test", prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Proxy did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := dialProxy(t, srv.Addr())
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := readReply(t, client, 3*time.Second); err != nil {
		t.Fatalf("No reply: %v", err)
	}
	if srv.Sessions().Count() != 1 {
		t.Fatalf("Sessions = %d, want 1", srv.Sessions().Count())
	}

	// Idle past the timeout; the sweep evicts the session.
	expiry := time.After(3 * time.Second)
	for srv.Sessions().Count() != 0 {
		select {
		case <-expiry:
			t.Fatal("Idle session was not expired")
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func TestProxy_InvalidAddress(t *testing.T) {
	store := config.NewStore(testLogger(), nil)
	srv := New(Config{
		Address: "invalid:address:99999",
		Logger:  testLogger(),
	}, store, nil)

	if err := srv.Listen(context.Background()); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestNew_Defaults(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0"}, config.NewStore(testLogger(), nil), nil)

	if srv.cfg.Logger == nil {
		t.Error("Expected default logger")
	}
	if srv.cfg.SessionTimeout != DefaultSessionTimeout {
		t.Errorf("SessionTimeout = %v", srv.cfg.SessionTimeout)
	}
	if srv.cfg.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %v", srv.cfg.SweepInterval)
	}
	if srv.cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v", srv.cfg.ShutdownTimeout)
	}
	if srv.cfg.Workers == 0 {
		t.Error("Expected workers to default to available CPUs")
	}
}
