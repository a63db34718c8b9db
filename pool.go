package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// poolKey identifies one StubPool entry.
type poolKey struct {
	endpoint string
	tls      bool
}

func (k poolKey) String() string {
	if k.tls {
		return "tls:" + k.endpoint
	}
	return "tcp:" + k.endpoint
}

// poolEntry is one live Stub plus its reference count and last-use clock,
// the state StubPool needs to decide eviction.
type poolEntry struct {
	stub     *Stub
	refcount int32 // atomic
	lastUsed int64 // atomic, UnixNano
}

// StubPool is an endpoint-keyed cache of live Stubs with idle expiration.
// Concurrent GetStub calls for the same (endpoint, tls) key dedupe their
// dial through a singleflight.Group, so at most one connection is ever
// initiated per key at a time.
type StubPool struct {
	mu      sync.Mutex
	entries map[poolKey]*poolEntry

	cfg    *PoolConfig
	client SocketClient
	sf     singleflight.Group

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStubPool creates a StubPool that dials new connections via client.
func NewStubPool(cfg *PoolConfig, client SocketClient) (*StubPool, error) {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if err := cfg.VerifyConfig(); err != nil {
		return nil, err
	}
	p := &StubPool{
		entries: make(map[poolKey]*poolEntry),
		cfg:     cfg,
		client:  client,
		closed:  make(chan struct{}),
	}
	go p.sweepLoop()
	return p, nil
}

// NewUDSStubPool creates a StubPool whose SocketClient dials the given
// Unix-domain socket path for every endpoint (the endpoint argument to
// GetStub is ignored in favor of path, since a Unix-domain pool always
// targets one fixed socket). tls is rejected: Unix-domain sockets rely on
// filesystem permissions, not TLS, for this core's purposes.
func NewUDSStubPool(path string, cfg *PoolConfig) (*StubPool, error) {
	return NewStubPool(cfg, &udsSocketClient{path: path})
}

type udsSocketClient struct {
	path string
}

func (c *udsSocketClient) Dial(ctx context.Context, _ string, tls bool) (Conn, error) {
	if tls {
		return nil, fmt.Errorf("rpc: TLS is not supported over a Unix-domain StubPool")
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.path)
}

func (p *StubPool) entryKey(endpoint string, tls bool) poolKey { return poolKey{endpoint, tls} }

// GetStub returns a live Stub for (endpoint, tls), creating one if
// necessary. The returned Stub is never closed by GetStub itself; the
// caller must eventually call PutStub with the same key.
func (p *StubPool) GetStub(ctx context.Context, endpoint string, tls bool) (*Stub, error) {
	const op = "StubPool.GetStub"
	key := p.entryKey(endpoint, tls)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		select {
		case <-e.stub.closed:
			// The entry's stream has failed: drop it and dial afresh.
			delete(p.entries, key)
			defer e.stub.Close()
		default:
			atomic.AddInt32(&e.refcount, 1)
			atomic.StoreInt64(&e.lastUsed, time.Now().UnixNano())
			p.mu.Unlock()
			return e.stub, nil
		}
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(key.String(), func() (any, error) {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
		conn, derr := p.client.Dial(dialCtx, endpoint, tls)
		if derr != nil {
			return nil, newError(op, KindUnavailable, derr)
		}
		entry := &poolEntry{stub: NewStub(conn, OwnershipOwned)}
		p.mu.Lock()
		p.entries[key] = entry
		p.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry := v.(*poolEntry)
	atomic.AddInt32(&entry.refcount, 1)
	atomic.StoreInt64(&entry.lastUsed, time.Now().UnixNano())
	return entry.stub, nil
}

// Acquire is a non-creating lookup: it returns (stub, true) and bumps the
// refcount if a live entry exists for (endpoint, tls), or (nil, false)
// otherwise.
func (p *StubPool) Acquire(endpoint string, tls bool) (*Stub, bool) {
	key := p.entryKey(endpoint, tls)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	select {
	case <-e.stub.closed:
		return nil, false
	default:
	}
	atomic.AddInt32(&e.refcount, 1)
	atomic.StoreInt64(&e.lastUsed, time.Now().UnixNano())
	return e.stub, true
}

// PutStub releases one reference to (endpoint, tls). If immediately is
// true, the entry is evicted and its Conn closed regardless of remaining
// refcount (force drop); otherwise the reference is decremented and the
// entry is left for the sweeper to expire once idle.
func (p *StubPool) PutStub(endpoint string, tls bool, immediately bool) {
	key := p.entryKey(endpoint, tls)

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	if immediately {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if immediately {
		e.stub.Close()
		return
	}
	atomic.AddInt32(&e.refcount, -1)
	atomic.StoreInt64(&e.lastUsed, time.Now().UnixNano())
}

// sweepLoop periodically evicts entries with zero refcount whose
// last-used time is older than IdleExpiration.
func (p *StubPool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.closed:
			return
		}
	}
}

func (p *StubPool) sweep() {
	now := time.Now().UnixNano()
	expiration := int64(p.cfg.IdleExpiration)

	var evicted []*Stub
	p.mu.Lock()
	for key, e := range p.entries {
		if atomic.LoadInt32(&e.refcount) == 0 && now-atomic.LoadInt64(&e.lastUsed) > expiration {
			delete(p.entries, key)
			evicted = append(evicted, e.stub)
		}
	}
	p.mu.Unlock()

	for _, s := range evicted {
		s.Close()
	}
}

// Close stops the sweeper and closes every pooled Stub regardless of
// refcount, for pool teardown.
func (p *StubPool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[poolKey]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.stub.Close()
	}
	return nil
}

// Len returns the number of live entries, mainly for tests.
func (p *StubPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
