package endpoint

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/localcomm/shmrpc/registry"
	"github.com/localcomm/shmrpc/rpc"
)

func TestCreateServiceAndCall(t *testing.T) {
	opts := rpc.Options{RuntimeDir: t.TempDir(), DialTimeout: time.Second, CallTimeout: 2 * time.Second}
	ep := New(opts, nil)
	if ep.ID == "" {
		t.Fatal("expected a non-empty endpoint ID")
	}

	if err := ep.CreateService("upper", func(req []byte) ([]byte, error) {
		return bytes.ToUpper(req), nil
	}); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	defer ep.RemoveService("upper")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Spin(ctx) }()

	reply, err := ep.Call(context.Background(), "upper", []byte("hi"))
	cancel()
	<-done

	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Equal(reply, []byte("HI")) {
		t.Fatalf("got %q", reply)
	}
}

func TestCreateServiceCallerCached(t *testing.T) {
	opts := rpc.Options{RuntimeDir: t.TempDir()}
	ep := New(opts, nil)
	c1, err := ep.CreateServiceCaller("svc")
	if err != nil {
		t.Fatalf("CreateServiceCaller: %v", err)
	}
	c2, err := ep.CreateServiceCaller("svc")
	if err != nil {
		t.Fatalf("CreateServiceCaller: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same cached Caller instance")
	}
}

func TestSweepReclaimsStaleSocket(t *testing.T) {
	dir := t.TempDir()
	opts := rpc.Options{RuntimeDir: dir}
	ep := New(opts, nil)

	path := registry.SocketPath(dir, "orphan")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ep.sweepStaleSockets()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected stale socket %s to be reclaimed, stat err = %v", path, err)
	}
}

func TestSweepLeavesLiveSocketAlone(t *testing.T) {
	dir := t.TempDir()
	opts := rpc.Options{RuntimeDir: dir}
	ep := New(opts, nil)

	if err := ep.CreateService("kept", func(b []byte) ([]byte, error) { return b, nil }); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	defer ep.RemoveService("kept")

	ep.sweepStaleSockets()

	if _, err := os.Stat(registry.SocketPath(dir, "kept")); err != nil {
		t.Fatalf("sweep removed a socket this EndPoint still owns: %v", err)
	}
}
