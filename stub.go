package rpc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Domain is an opaque token identifying the scheduling domain (goroutine
// pool, fiber, event loop) a Stub is affine to. Go's runtime has no
// equivalent of a pinned fiber/vCPU that user code can observe, so this
// core cannot enforce such a constraint directly; BindDomain/AssertDomain
// are an opt-in, advisory pair a caller running on top of its own
// single-threaded scheduler can use to catch accidental cross-domain
// reuse. Neither is called internally.
type Domain any

// Stats is a read-only snapshot of a Stub's call-level counters.
type Stats struct {
	TagsIssued  uint64
	InFlight    int
	TimedOut    uint64
	ClosedFails uint64
}

// Stub is a client-side multiplexer over one Conn: many callers may call
// Call/CallInto concurrently; responses may arrive in any order and are
// routed back to the correct caller by tag.
//
// A Stub must not be used concurrently from more than one scheduling
// domain at a time (see Domain); it may freely be used by many goroutines
// within the same logical domain, which is the normal Go usage pattern
// this type targets.
type Stub struct {
	mu        sync.Mutex // guards conn/ownership and serializes writes
	conn      Conn
	ownership Ownership
	allocator Allocator

	nextTag uint64 // atomic; first tag issued is 1

	pending *pendingTable

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	timedOut    uint64 // atomic
	closedFails uint64 // atomic

	generation uint64 // atomic; bumped by SetStream so a stale reader goroutine can tell it no longer owns s's failure state

	domain Domain
}

// NewStub creates a Stub over conn. ownership controls whether Close (and
// a later SetStream) closes conn. A reader goroutine starts immediately.
func NewStub(conn Conn, ownership Ownership) *Stub {
	return NewStubWithConfig(conn, DefaultStubConfig().withOwnership(ownership))
}

// NewStubWithConfig creates a Stub with an explicit StubConfig.
func NewStubWithConfig(conn Conn, cfg *StubConfig) *Stub {
	allocator := cfg.Allocator
	if allocator == nil {
		allocator = DefaultAllocator
	}
	s := &Stub{
		conn:      conn,
		ownership: cfg.Ownership,
		allocator: allocator,
		pending:   newPendingTable(),
		closed:    make(chan struct{}),
	}
	go s.readLoop(conn, 0)
	return s
}

func (c *StubConfig) withOwnership(o Ownership) *StubConfig {
	clone := *c
	clone.Ownership = o
	return &clone
}

// BindDomain records d as this Stub's scheduling domain. See Domain.
func (s *Stub) BindDomain(d Domain) { s.domain = d }

// AssertDomain reports an error if d differs from the domain previously
// bound with BindDomain. A Stub with no bound domain accepts any d.
func (s *Stub) AssertDomain(d Domain) error {
	if s.domain == nil {
		return nil
	}
	if s.domain != d {
		return newError("Stub.AssertDomain", KindInvalidArgument, nil)
	}
	return nil
}

// Stream returns the Stub's current Conn.
func (s *Stub) Stream() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetStream atomically swaps the Stub's underlying Conn. The old Conn is
// closed if this Stub owned it. All calls pending against the old Conn
// fail with ConnectionClosed, since their responses can never arrive on
// the new Conn.
func (s *Stub) SetStream(conn Conn, ownership Ownership) {
	s.mu.Lock()
	old, oldOwnership := s.conn, s.ownership
	s.conn, s.ownership = conn, ownership
	gen := atomic.AddUint64(&s.generation, 1)
	s.mu.Unlock()

	s.pending.failAll(newError("Stub.SetStream", KindConnectionClosed, nil))
	if oldOwnership == OwnershipOwned && old != nil {
		_ = old.Close()
	}
	go s.readLoop(conn, gen)
}

// GetQueueCount returns the number of calls currently awaiting a
// response.
func (s *Stub) GetQueueCount() int { return s.pending.len() }

// Stats returns a snapshot of this Stub's call counters.
func (s *Stub) Stats() Stats {
	return Stats{
		TagsIssued:  atomic.LoadUint64(&s.nextTag),
		InFlight:    s.pending.len(),
		TimedOut:    atomic.LoadUint64(&s.timedOut),
		ClosedFails: atomic.LoadUint64(&s.closedFails),
	}
}

// Close fails every pending call with ConnectionClosed and closes the
// underlying Conn if this Stub owns it.
func (s *Stub) Close() error {
	s.failStream(newError("Stub.Close", KindConnectionClosed, nil))

	s.mu.Lock()
	conn, ownership := s.conn, s.ownership
	s.mu.Unlock()
	if ownership == OwnershipOwned && conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Stub) allocTag() uint64 { return atomic.AddUint64(&s.nextTag, 1) }

// Call sends req and waits for resp to be populated from the response, up
// to timeout. resp must implement Message: MarshalRPC describes where to
// deposit the response (often pointing directly into resp's own fields
// for a zero-copy receive), UnmarshalRPC is the fallback path used when
// the response on the wire is a different size than resp's own
// description. Returns the number of response payload bytes received, or
// -1 with an error.
func Call[Resp Message](s *Stub, fn FunctionID, req Marshaler, resp Resp, timeout time.Duration) (int, error) {
	return s.callFixed(fn, req, resp, timeout)
}

// CallInto sends req and returns a freshly decoded *Resp allocated from
// respIov's allocator, with a lifetime tied to respIov. respIov must be
// empty when passed in.
func CallInto[Resp any, PResp interface {
	*Resp
	Unmarshaler
}](s *Stub, fn FunctionID, req Marshaler, respIov *BufferList, timeout time.Duration) (PResp, int, error) {
	if respIov.Len() != 0 {
		return nil, -1, newError("Stub.CallInto", KindInvalidArgument, nil)
	}
	n, err := s.callDynamic(fn, req, respIov, timeout)
	if err != nil {
		return nil, -1, err
	}
	resp := PResp(new(Resp))
	if err := resp.UnmarshalRPC(respIov); err != nil {
		return nil, -1, newError("Stub.CallInto", KindInvalidArgument, err)
	}
	if cv, ok := Unmarshaler(resp).(ChecksumValidator); ok && n > 0 {
		if !cv.ValidateChecksum(respIov) {
			return nil, -1, newError("Stub.CallInto", KindChecksumMismatch, nil)
		}
	}
	return resp, n, nil
}

func (s *Stub) callFixed(fn FunctionID, req Marshaler, resp Message, timeout time.Duration) (int, error) {
	const op = "Stub.Call"

	reqIov := NewBufferList(nil)
	if err := req.MarshalRPC(reqIov); err != nil {
		return -1, newError(op, KindInvalidArgument, err)
	}

	respIov := NewBufferList(nil)
	respIov.SetMaxSlices(maxReceiveBuffers)
	if err := resp.MarshalRPC(respIov); err != nil {
		return -1, newError(op, KindInvalidArgument, err)
	}
	if respIov.Overflowed() {
		return -1, newError(op, KindNoBufferSpace, nil)
	}

	pc := &pendingCall{target: respIov, resp: resp, done: make(chan struct{})}
	n, err := s.dispatch(op, fn, reqIov, pc, timeout)
	if err != nil {
		return -1, err
	}
	if n == respIov.Sum() && n > 0 {
		if cv, ok := resp.(ChecksumValidator); ok {
			if !cv.ValidateChecksum(respIov) {
				return -1, newError(op, KindChecksumMismatch, nil)
			}
		}
	}
	return n, nil
}

func (s *Stub) callDynamic(fn FunctionID, req Marshaler, respIov *BufferList, timeout time.Duration) (int, error) {
	const op = "Stub.CallInto"

	reqIov := NewBufferList(nil)
	if err := req.MarshalRPC(reqIov); err != nil {
		return -1, newError(op, KindInvalidArgument, err)
	}
	if respIov.Allocator() == nil {
		respIov.SetAllocator(s.allocator)
	}

	pc := &pendingCall{dynamicInto: respIov, done: make(chan struct{})}
	return s.dispatch(op, fn, reqIov, pc, timeout)
}

// dispatch assigns a tag, registers pc, transmits the request under the
// write mutex, and waits for pc to resolve or the timeout/close to fire.
// Registration happens before the write mutex is released, which is what
// guarantees the reader can never observe a response for a tag that has
// no awaiter yet.
func (s *Stub) dispatch(op string, fn FunctionID, reqIov *BufferList, pc *pendingCall, timeout time.Duration) (int, error) {
	tag := s.allocTag()
	pc.tag = tag
	h := newHeader(fn, tag, uint32(reqIov.Sum()))

	s.mu.Lock()
	s.pending.register(pc)
	_, err := writeFrame(s.conn, h, reqIov.Slices())
	s.mu.Unlock()

	if err != nil {
		s.pending.remove(tag)
		s.failStream(newError(op, KindConnectionClosed, err))
		return -1, newError(op, KindConnectionClosed, err)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-pc.done:
		if pc.err != nil {
			return -1, pc.err
		}
		return pc.n, nil
	case <-timeoutCh:
		if _, ok := s.pending.remove(tag); ok {
			atomic.AddUint64(&s.timedOut, 1)
			return -1, newError(op, KindTimeout, nil)
		}
		// Resolved concurrently with the timer firing; use that result.
		<-pc.done
		if pc.err != nil {
			return -1, pc.err
		}
		return pc.n, nil
	case <-s.closed:
		s.pending.remove(tag)
		atomic.AddUint64(&s.closedFails, 1)
		kind := KindConnectionClosed
		if e, ok := s.closeErr.(*Error); ok {
			kind = e.Kind
		}
		return -1, newError(op, kind, s.closeErr)
	}
}

// failStream marks the Stub closed (idempotent) after a write or read
// failure, failing every outstanding call. It does not close the Conn:
// ownership/close policy is applied by Close. The one exception is the
// reader, which closes its own conn after reading an invalid header.
func (s *Stub) failStream(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
	})
	s.pending.failAll(err)
}

// readLoop is the Stub's single reader: it reads exactly one header, then
// hands the next Header.Size bytes to that tag's pending call, without
// blocking other callers.
//
// gen is the generation this reader was spawned for (see SetStream): once
// a newer generation exists, this reader's conn is no longer the Stub's
// conn, so on any read failure it must not touch the Stub's shared
// failure state — that state now belongs to the newer reader and its
// conn.
func (s *Stub) readLoop(conn Conn, gen uint64) {
	stale := func() bool { return atomic.LoadUint64(&s.generation) != gen }

	var hdrBuf [HeaderSize]byte
	for {
		if err := readFull(conn, hdrBuf[:]); err != nil {
			if !stale() {
				s.failStream(newError("Stub.readLoop", KindConnectionClosed, err))
			}
			return
		}
		h := DecodeHeader(hdrBuf[:])
		if !h.Valid() {
			if !stale() {
				s.failStream(newError("Stub.readLoop", KindProtocol, nil))
			}
			_ = conn.Close()
			return
		}

		pc, ok := s.pending.remove(h.Tag)
		if !ok {
			if h.Size > 0 {
				if err := discard(conn, int(h.Size)); err != nil {
					if !stale() {
						s.failStream(newError("Stub.readLoop", KindConnectionClosed, err))
					}
					return
				}
			}
			continue
		}

		if err := s.deliver(conn, h, pc); err != nil {
			pc.complete(0, err)
			if !stale() {
				s.failStream(err)
			}
			return
		}
	}
}

// deliver reads h's payload into pc's target according to which contract
// pc was built for, completing pc on success.
func (s *Stub) deliver(conn Conn, h Header, pc *pendingCall) error {
	switch {
	case pc.dynamicInto != nil:
		if h.Size == 0 {
			pc.complete(0, nil)
			return nil
		}
		buf := pc.dynamicInto.Reserve(int(h.Size))
		if err := readFull(conn, buf); err != nil {
			return newError("Stub.readLoop", KindConnectionClosed, err)
		}
		pc.complete(int(h.Size), nil)
		return nil

	case pc.target != nil:
		expected := pc.target.Sum()
		switch {
		case h.Size == 0:
			pc.complete(0, nil)
		case int(h.Size) == expected:
			n, err := readScatter(conn, pc.target.Slices())
			if err != nil {
				return newError("Stub.readLoop", KindConnectionClosed, err)
			}
			pc.complete(n, nil)
		default:
			tmp := NewBufferList(s.allocator)
			buf := tmp.Reserve(int(h.Size))
			if err := readFull(conn, buf); err != nil {
				return newError("Stub.readLoop", KindConnectionClosed, err)
			}
			var uerr error
			if pc.resp != nil {
				uerr = pc.resp.UnmarshalRPC(tmp)
			}
			pc.complete(int(h.Size), uerr)
		}
		return nil

	default:
		if h.Size > 0 {
			return discard(conn, int(h.Size))
		}
		pc.complete(0, nil)
		return nil
	}
}

// readScatter reads exactly the total length of slices from conn,
// filling each slice in turn.
func readScatter(conn Conn, slices []Slice) (int, error) {
	total := 0
	for _, s := range slices {
		if len(s) == 0 {
			continue
		}
		if err := readFull(conn, s); err != nil {
			return total, err
		}
		total += len(s)
	}
	return total, nil
}

// discard reads and drops n bytes, preserving wire framing for a response
// whose tag has no (or no longer has a) registered awaiter: its bytes
// must still be drained from the stream so the next header lines up.
func discard(conn Conn, n int) error {
	var scratch [4096]byte
	for n > 0 {
		chunk := len(scratch)
		if n < chunk {
			chunk = n
		}
		if err := readFull(conn, scratch[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Message is implemented by a Response type used with Call: it both
// describes its own receive buffers (MarshalRPC) and can rebuild itself
// from a differently-sized wire payload (UnmarshalRPC).
type Message interface {
	Marshaler
	Unmarshaler
}
