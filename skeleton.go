package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// skeleton lifecycle states.
const (
	stateRunning int32 = iota
	stateDraining
	stateTerminated
)

// ResponseSender is a one-shot callback a Handler invokes with its
// response payload (nil or empty for a void response). It writes
// Header{tag=request.tag, size=response.total} followed by the response
// buffers, under the owning Conn's write mutex. The closure captures the
// Conn, write mutex, and tag directly so it remains valid even if called
// from a goroutine that outlives the call to Handler.
type ResponseSender func(resp *BufferList) error

// Handler processes one decoded request and must call send exactly once.
type Handler func(ctx context.Context, req *BufferList, send ResponseSender)

// Skeleton is the server-side dispatcher: it maps FunctionID to Handler,
// demultiplexing frames read from any number of concurrently served Conns
// onto a single bounded worker pool.
type Skeleton struct {
	handlersMu sync.RWMutex
	handlers   map[FunctionID]Handler

	allocator Allocator

	acceptNotify func(Conn)
	closeNotify  func(Conn)

	sem *semaphore.Weighted

	state     int32 // atomic: stateRunning/stateDraining/stateTerminated
	rejectNew int32 // atomic bool, set by Shutdown(noMoreRequests=true)

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup // inflight handlers across every Serve call
}

// NewSkeleton creates an empty Skeleton with the given bounded worker
// pool size. A size <= 0 uses the spec default of 128.
func NewSkeleton(poolSize int64) *Skeleton {
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Skeleton{
		handlers:  make(map[FunctionID]Handler),
		allocator: DefaultAllocator,
		sem:       semaphore.NewWeighted(poolSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddFunction registers handler for fn, replacing any existing handler
// for the same FunctionID.
func (sk *Skeleton) AddFunction(fn FunctionID, handler Handler) {
	sk.handlersMu.Lock()
	sk.handlers[fn] = handler
	sk.handlersMu.Unlock()
}

// RemoveFunction removes the handler for fn, if any.
func (sk *Skeleton) RemoveFunction(fn FunctionID) {
	sk.handlersMu.Lock()
	delete(sk.handlers, fn)
	sk.handlersMu.Unlock()
}

// SetAllocator sets the allocator used for incoming request payloads.
func (sk *Skeleton) SetAllocator(a Allocator) {
	sk.handlersMu.Lock()
	sk.allocator = a
	sk.handlersMu.Unlock()
}

// SetAcceptNotify registers a callback invoked once per Serve entry, with
// the conn as argument. It must not block the dispatcher.
func (sk *Skeleton) SetAcceptNotify(f func(Conn)) {
	sk.handlersMu.Lock()
	sk.acceptNotify = f
	sk.handlersMu.Unlock()
}

// SetCloseNotify registers a callback invoked once per Serve exit.
func (sk *Skeleton) SetCloseNotify(f func(Conn)) {
	sk.handlersMu.Lock()
	sk.closeNotify = f
	sk.handlersMu.Unlock()
}

func (sk *Skeleton) lookup(fn FunctionID) (Handler, bool) {
	sk.handlersMu.RLock()
	h, ok := sk.handlers[fn]
	sk.handlersMu.RUnlock()
	return h, ok
}

func (sk *Skeleton) snapshotIO() (Allocator, func(Conn), func(Conn)) {
	sk.handlersMu.RLock()
	defer sk.handlersMu.RUnlock()
	return sk.allocator, sk.acceptNotify, sk.closeNotify
}

// accepting reports whether Serve should still admit new requests:
// false once Shutdown(true) has been called, regardless of whether
// termination has completed.
func (sk *Skeleton) accepting() bool {
	return atomic.LoadInt32(&sk.rejectNew) == 0
}

// Serve reads frames from conn until it closes or the Skeleton
// terminates, dispatching each to its registered handler on a worker
// from the bounded pool. It may be called concurrently, once per accepted
// Conn; it is affine to its calling goroutine only in the sense that it
// blocks until conn is done.
func (sk *Skeleton) Serve(conn Conn) error {
	const op = "Skeleton.serve"

	allocator, acceptNotify, closeNotify := sk.snapshotIO()
	if acceptNotify != nil {
		acceptNotify(conn)
	}
	if closeNotify != nil {
		defer closeNotify(conn)
	}

	var writeMu sync.Mutex
	var hdrBuf [HeaderSize]byte
	for {
		if atomic.LoadInt32(&sk.state) == stateTerminated {
			return newError(op, KindUnavailable, nil)
		}

		if err := readFull(conn, hdrBuf[:]); err != nil {
			return newError(op, KindConnectionClosed, err)
		}
		h := DecodeHeader(hdrBuf[:])
		if !h.Valid() {
			_ = conn.Close()
			return newError(op, KindProtocol, nil)
		}

		reqIov := NewBufferList(allocator)
		if h.Size > 0 {
			buf := reqIov.Reserve(int(h.Size))
			if err := readFull(conn, buf); err != nil {
				return newError(op, KindConnectionClosed, err)
			}
		}

		if !sk.accepting() {
			if err := sk.writeResponse(conn, &writeMu, h.Tag, nil); err != nil {
				return newError(op, KindConnectionClosed, err)
			}
			continue
		}

		handler, ok := sk.lookup(h.Function)
		if !ok {
			// Unknown FunctionID: zero-length response, original tag,
			// no connection loss.
			if err := sk.writeResponse(conn, &writeMu, h.Tag, nil); err != nil {
				return newError(op, KindConnectionClosed, err)
			}
			continue
		}

		if err := sk.sem.Acquire(sk.ctx, 1); err != nil {
			return newError(op, KindUnavailable, err)
		}
		sk.wg.Add(1)
		tag := h.Tag
		go func(req *BufferList) {
			defer sk.sem.Release(1)
			defer sk.wg.Done()
			handler(sk.ctx, req, func(resp *BufferList) error {
				return sk.writeResponse(conn, &writeMu, tag, resp)
			})
		}(reqIov)
	}
}

// writeResponse writes a response frame under writeMu, the per-Conn write
// serialization discipline shared by every handler invoked against conn.
// resp may be nil, producing a zero-length payload.
func (sk *Skeleton) writeResponse(conn Conn, writeMu *sync.Mutex, tag uint64, resp *BufferList) error {
	var slices []Slice
	size := 0
	if resp != nil {
		slices = resp.Slices()
		size = resp.Sum()
	}
	h := newHeader(0, tag, uint32(size))

	writeMu.Lock()
	defer writeMu.Unlock()
	_, err := writeFrame(conn, h, slices)
	return err
}

// Shutdown transitions the Skeleton to draining, optionally rejecting new
// requests immediately, then waits for every inflight handler across
// every Serve call to finish before transitioning to terminated. Must not
// be called from inside a handler: callers should shut down from a
// separate goroutine.
func (sk *Skeleton) Shutdown(noMoreRequests bool) error {
	atomic.CompareAndSwapInt32(&sk.state, stateRunning, stateDraining)
	if noMoreRequests {
		atomic.StoreInt32(&sk.rejectNew, 1)
	}
	sk.wg.Wait()
	atomic.StoreInt32(&sk.state, stateTerminated)
	sk.cancel()
	return nil
}

// ShutdownNoWait transitions immediately to terminated without waiting
// for inflight handlers; their responses may be dropped if the Conn is
// already closed by the time they finish.
func (sk *Skeleton) ShutdownNoWait() error {
	atomic.StoreInt32(&sk.rejectNew, 1)
	atomic.StoreInt32(&sk.state, stateTerminated)
	sk.cancel()
	return nil
}
