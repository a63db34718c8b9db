package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// echoService is a receiver object exposing two methods, used to exercise
// RegisterService binding many FunctionIDs to one object in a single
// call.
type echoService struct{}

func (s *echoService) echo(_ context.Context, req *echoMessage) (*echoMessage, error) {
	return &echoMessage{Data: req.Data}, nil
}

func (s *echoService) reverse(_ context.Context, req *echoMessage) (*echoMessage, error) {
	return &echoMessage{Data: reverse(req.Data)}, nil
}

func TestRegisterServiceBindsMultipleFunctionIDs(t *testing.T) {
	svc := &echoService{}
	echoMethod := Method[echoMessage, *echoMessage, *echoMessage]{
		Function: NewFunctionID(3, 1),
		Handle:   svc.echo,
	}
	reverseMethod := Method[echoMessage, *echoMessage, *echoMessage]{
		Function: NewFunctionID(3, 2),
		Handle:   svc.reverse,
	}

	sk := NewSkeleton(0)
	RegisterService(sk, svc, []ServiceDescriptor{
		echoMethod.Descriptor(),
		reverseMethod.Descriptor(),
	})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go sk.Serve(serverConn)

	stub := NewStub(clientConn, OwnershipBorrowed)
	defer stub.Close()

	req := &echoMessage{Data: []byte("service")}
	resp := &echoMessage{}
	if _, err := Call[*echoMessage](stub, echoMethod.Function, req, resp, time.Second); err != nil {
		t.Fatalf("Call echo: %v", err)
	}
	if string(resp.Data) != "service" {
		t.Fatalf("echo resp.Data = %q, want %q", resp.Data, "service")
	}

	req2 := &echoMessage{Data: []byte("service")}
	resp2 := &echoMessage{}
	if _, err := Call[*echoMessage](stub, reverseMethod.Function, req2, resp2, time.Second); err != nil {
		t.Fatalf("Call reverse: %v", err)
	}
	if string(resp2.Data) != "ecivres" {
		t.Fatalf("reverse resp.Data = %q, want %q", resp2.Data, "ecivres")
	}
}

func newEchoSkeleton() *Skeleton {
	sk := NewSkeleton(0) // 0 -> default pool size
	RegisterMethod(sk, Method[echoMessage, *echoMessage, *echoMessage]{
		Function: NewFunctionID(1, 1),
		Handle: func(_ context.Context, req *echoMessage) (*echoMessage, error) {
			return &echoMessage{Data: reverse(req.Data)}, nil
		},
	})
	return sk
}

func TestSkeletonDispatchesRegisteredMethod(t *testing.T) {
	sk := newEchoSkeleton()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- sk.Serve(serverConn) }()

	stub := NewStub(clientConn, OwnershipBorrowed)
	defer stub.Close()

	req := &echoMessage{Data: []byte("abcd")}
	resp := &echoMessage{}
	n, err := Call[*echoMessage](stub, NewFunctionID(1, 1), req, resp, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n != 4 || string(resp.Data) != "dcba" {
		t.Fatalf("Call result = (%d, %q), want (4, %q)", n, resp.Data, "dcba")
	}
}

func TestSkeletonUnknownFunctionReturnsZeroLengthResponse(t *testing.T) {
	sk := newEchoSkeleton()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	go sk.Serve(serverConn)

	stub := NewStub(clientConn, OwnershipBorrowed)
	defer stub.Close()

	req := &echoMessage{Data: []byte("abcd")}
	resp := &echoMessage{Data: []byte("unchanged")}
	n, err := Call[*echoMessage](stub, NewFunctionID(9, 9), req, resp, time.Second)
	if err != nil {
		t.Fatalf("Call to an unregistered FunctionID should not error: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0 for an unknown FunctionID", n)
	}
}

func TestSkeletonConcurrentClients(t *testing.T) {
	sk := newEchoSkeleton()

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		clientConn, serverConn := net.Pipe()
		go sk.Serve(serverConn)

		stub := NewStub(clientConn, OwnershipBorrowed)
		wg.Add(1)
		go func(i int, stub *Stub, conn net.Conn) {
			defer wg.Done()
			defer stub.Close()
			defer conn.Close()

			req := &echoMessage{Data: []byte("concurrent")}
			resp := &echoMessage{}
			_, err := Call[*echoMessage](stub, NewFunctionID(1, 1), req, resp, time.Second)
			if err != nil {
				t.Errorf("client %d: Call: %v", i, err)
				return
			}
			if string(resp.Data) != "tnerrucnoc" {
				t.Errorf("client %d: resp.Data = %q", i, resp.Data)
			}
		}(i, stub, clientConn)
	}
	wg.Wait()
}

func TestSkeletonShutdownWaitsForInflight(t *testing.T) {
	sk := NewSkeleton(0)
	handlerStarted := make(chan struct{})
	releaseHandler := make(chan struct{})
	RegisterMethod(sk, Method[echoMessage, *echoMessage, *echoMessage]{
		Function: NewFunctionID(1, 1),
		Handle: func(_ context.Context, req *echoMessage) (*echoMessage, error) {
			close(handlerStarted)
			<-releaseHandler
			return &echoMessage{Data: req.Data}, nil
		},
	})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go sk.Serve(serverConn)

	stub := NewStub(clientConn, OwnershipBorrowed)
	defer stub.Close()

	callDone := make(chan error, 1)
	go func() {
		req := &echoMessage{Data: []byte("x")}
		resp := &echoMessage{}
		_, err := Call[*echoMessage](stub, NewFunctionID(1, 1), req, resp, 5*time.Second)
		callDone <- err
	}()
	<-handlerStarted

	shutdownDone := make(chan struct{})
	go func() {
		sk.Shutdown(true)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the inflight handler finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(releaseHandler)
	<-shutdownDone

	if err := <-callDone; err != nil {
		t.Fatalf("Call: %v", err)
	}
}
