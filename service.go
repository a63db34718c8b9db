package rpc

import "context"

// Method binds one FunctionID to a typed handler function. Req/Resp are
// the user's wire types; PReq is the pointer type implementing
// Unmarshaler so a fresh Req can be allocated per request.
type Method[Req any, PReq interface {
	*Req
	Unmarshaler
}, Resp Marshaler] struct {
	Function FunctionID
	Handle   func(ctx context.Context, req PReq) (Resp, error)
}

// handler adapts m into an untyped Handler: decode the request, invoke
// Handle, encode the response.
func (m Method[Req, PReq, Resp]) handler() Handler {
	return func(ctx context.Context, reqIov *BufferList, send ResponseSender) {
		req := PReq(new(Req))
		if err := req.UnmarshalRPC(reqIov); err != nil {
			_ = send(nil)
			return
		}

		resp, err := m.Handle(ctx, req)
		if err != nil {
			_ = send(nil)
			return
		}

		respIov := NewBufferList(nil)
		if err := resp.MarshalRPC(respIov); err != nil {
			_ = send(nil)
			return
		}
		_ = send(respIov)
	}
}

// Descriptor returns a ServiceDescriptor binding m.Function to m's typed
// handler, for inclusion in a RegisterService call.
func (m Method[Req, PReq, Resp]) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{Function: m.Function, Handler: m.handler()}
}

// RegisterMethod registers m directly on sk via AddFunction. A thin
// single-method alternative to RegisterService, for callers binding one
// FunctionID at a time rather than building a whole descriptor table.
func RegisterMethod[Req any, PReq interface {
	*Req
	Unmarshaler
}, Resp Marshaler](sk *Skeleton, m Method[Req, PReq, Resp]) {
	sk.AddFunction(m.Function, m.handler())
}

// ServiceDescriptor binds one FunctionID to a dispatch-ready Handler.
// A []ServiceDescriptor, typically one entry per exposed method built via
// Method.Descriptor, is what RegisterService needs to bind many
// FunctionIDs to one receiver object in a single call.
type ServiceDescriptor struct {
	Function FunctionID
	Handler  Handler
}

// RegisterService adds every entry in descriptors to sk in one call,
// binding many FunctionIDs to svc's methods at once. svc is the receiver
// the descriptors were built against; RegisterService does not inspect
// it directly, since it has no way to walk an arbitrary receiver's
// methods at runtime, but accepting it keeps the call site
// self-documenting about which object backs the table.
func RegisterService(sk *Skeleton, svc any, descriptors []ServiceDescriptor) {
	for _, d := range descriptors {
		sk.AddFunction(d.Function, d.Handler)
	}
}
