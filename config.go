package rpc

import (
	"fmt"
	"time"
)

// defaultWorkerPoolSize is the Skeleton's default bounded worker count.
const defaultWorkerPoolSize = 128

// StubConfig configures a Stub.
type StubConfig struct {
	// Ownership declares whether the Stub closes its Conn when the Stub
	// is closed.
	Ownership Ownership
	// Allocator is used for the size-mismatch deserialize fallback path
	// and for the CallInto contract when a respIov carries no allocator
	// of its own. Defaults to DefaultAllocator.
	Allocator Allocator
}

// DefaultStubConfig returns a StubConfig with the library defaults.
func DefaultStubConfig() *StubConfig {
	return &StubConfig{Ownership: OwnershipBorrowed, Allocator: DefaultAllocator}
}

// SkeletonConfig groups a Skeleton's settings. NewSkeleton does not take
// a SkeletonConfig and nothing in this package reads one; its fields
// correspond to NewSkeleton's poolSize argument and to SetAllocator.
type SkeletonConfig struct {
	// WorkerPoolSize is the bound on concurrently running handlers across
	// all of a Skeleton's serve(conn) invocations combined.
	WorkerPoolSize int64
	// Allocator is the allocator for incoming request payload buffers.
	Allocator Allocator
}

// DefaultSkeletonConfig returns a SkeletonConfig with the library
// defaults.
func DefaultSkeletonConfig() *SkeletonConfig {
	return &SkeletonConfig{
		WorkerPoolSize: defaultWorkerPoolSize,
		Allocator:      DefaultAllocator,
	}
}

// VerifyConfig validates c, catching misconfiguration early rather than
// failing obscurely deep in a goroutine.
func (c *SkeletonConfig) VerifyConfig() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("rpc: WorkerPoolSize must be positive, got %d", c.WorkerPoolSize)
	}
	if c.Allocator == nil {
		return fmt.Errorf("rpc: Allocator must not be nil")
	}
	return nil
}

// PoolConfig configures a StubPool.
type PoolConfig struct {
	// IdleExpiration is how long a Stub may sit with zero references
	// before the sweeper evicts it.
	IdleExpiration time.Duration
	// RPCTimeout is a default per-call timeout for callers to pass to
	// Call/CallInto; StubPool itself does not read it.
	RPCTimeout time.Duration
	// ConnectTimeout bounds SocketClient.Dial when creating a new entry.
	ConnectTimeout time.Duration
	// SweepInterval is how often the background sweeper scans for
	// expired entries.
	SweepInterval time.Duration
}

// DefaultPoolConfig returns a PoolConfig with the library defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		IdleExpiration: 2 * time.Minute,
		RPCTimeout:     30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		SweepInterval:  30 * time.Second,
	}
}

func (c *PoolConfig) VerifyConfig() error {
	if c.IdleExpiration <= 0 {
		return fmt.Errorf("rpc: IdleExpiration must be positive, got %v", c.IdleExpiration)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("rpc: ConnectTimeout must be positive, got %v", c.ConnectTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("rpc: SweepInterval must be positive, got %v", c.SweepInterval)
	}
	return nil
}

// Ownership declares whether a Stub (or StubPool entry) owns its
// underlying Conn and should close it on teardown.
type Ownership int

const (
	// OwnershipBorrowed means the caller retains responsibility for
	// closing the Conn; the Stub will not close it.
	OwnershipBorrowed Ownership = iota
	// OwnershipOwned means the Stub closes the Conn on Close/SetStream.
	OwnershipOwned
)
