package rpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingDialer hands out one side of a net.Pipe per Dial call and counts
// how many times Dial actually ran, so tests can assert singleflight
// dedup of concurrent GetStub calls for the same key.
type countingDialer struct {
	dials int32
	mu    sync.Mutex
	peers []net.Conn // the far side of each pipe, kept so the test can close them
}

func (d *countingDialer) Dial(_ context.Context, _ string, _ bool) (Conn, error) {
	atomic.AddInt32(&d.dials, 1)
	a, b := net.Pipe()
	d.mu.Lock()
	d.peers = append(d.peers, b)
	d.mu.Unlock()
	return a, nil
}

func (d *countingDialer) closePeers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		_ = p.Close()
	}
}

func TestStubPoolGetStubDedupsConcurrentDials(t *testing.T) {
	dialer := &countingDialer{}
	cfg := DefaultPoolConfig()
	pool, err := NewStubPool(cfg, dialer)
	if err != nil {
		t.Fatalf("NewStubPool: %v", err)
	}
	defer pool.Close()
	defer dialer.closePeers()

	const n = 16
	stubs := make([]*Stub, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.GetStub(context.Background(), "service-a", false)
			if err != nil {
				t.Errorf("GetStub: %v", err)
				return
			}
			stubs[i] = s
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dialer.dials); got != 1 {
		t.Fatalf("Dial was called %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if stubs[i] != stubs[0] {
			t.Fatalf("GetStub returned distinct Stubs for the same key")
		}
	}
	if got := pool.Len(); got != 1 {
		t.Fatalf("pool.Len() = %d, want 1", got)
	}
}

func TestStubPoolAcquireMissReturnsFalse(t *testing.T) {
	dialer := &countingDialer{}
	pool, err := NewStubPool(nil, dialer)
	if err != nil {
		t.Fatalf("NewStubPool: %v", err)
	}
	defer pool.Close()

	if _, ok := pool.Acquire("nobody-home", false); ok {
		t.Fatal("Acquire on an empty pool should report false")
	}
}

func TestStubPoolPutStubImmediateEviction(t *testing.T) {
	dialer := &countingDialer{}
	pool, err := NewStubPool(nil, dialer)
	if err != nil {
		t.Fatalf("NewStubPool: %v", err)
	}
	defer pool.Close()
	defer dialer.closePeers()

	if _, err := pool.GetStub(context.Background(), "svc", false); err != nil {
		t.Fatalf("GetStub: %v", err)
	}
	pool.PutStub("svc", false, true)

	if got := pool.Len(); got != 0 {
		t.Fatalf("pool.Len() = %d, want 0 after immediate PutStub", got)
	}
	if _, ok := pool.Acquire("svc", false); ok {
		t.Fatal("Acquire should miss after immediate eviction")
	}
}

func TestStubPoolSweepEvictsIdleEntries(t *testing.T) {
	dialer := &countingDialer{}
	cfg := &PoolConfig{
		IdleExpiration: 10 * time.Millisecond,
		RPCTimeout:     time.Second,
		ConnectTimeout: time.Second,
		SweepInterval:  5 * time.Millisecond,
	}
	pool, err := NewStubPool(cfg, dialer)
	if err != nil {
		t.Fatalf("NewStubPool: %v", err)
	}
	defer pool.Close()
	defer dialer.closePeers()

	if _, err := pool.GetStub(context.Background(), "svc", false); err != nil {
		t.Fatalf("GetStub: %v", err)
	}
	pool.PutStub("svc", false, false) // refcount -> 0, eligible once idle

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pool.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not evict the idle entry in time")
}

func TestStubPoolCloseClosesAllEntriesRegardlessOfRefcount(t *testing.T) {
	dialer := &countingDialer{}
	pool, err := NewStubPool(nil, dialer)
	if err != nil {
		t.Fatalf("NewStubPool: %v", err)
	}
	defer dialer.closePeers()

	if _, err := pool.GetStub(context.Background(), "svc", false); err != nil {
		t.Fatalf("GetStub: %v", err)
	}
	// Leave the reference held (no PutStub) to prove Close tears down
	// entries unconditionally.
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := pool.Len(); got != 0 {
		t.Fatalf("pool.Len() = %d after Close, want 0", got)
	}
}

func TestNewUDSStubPoolRejectsTLS(t *testing.T) {
	pool, err := NewUDSStubPool("/tmp/does-not-need-to-exist.sock", nil)
	if err != nil {
		t.Fatalf("NewUDSStubPool: %v", err)
	}
	defer pool.Close()

	if _, err := pool.GetStub(context.Background(), "ignored", true); err == nil {
		t.Fatal("expected an error when requesting TLS over a Unix-domain pool")
	}
}
