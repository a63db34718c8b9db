package rpc

// Marshaler is implemented by a user Request or Response type. MarshalRPC
// appends the message's fields to into as borrowed slices: variable-length
// fields point at caller-owned memory, and the core neither copies nor
// frees that memory.
type Marshaler interface {
	MarshalRPC(into *BufferList) error
}

// Unmarshaler is implemented by a user Request or Response type.
// UnmarshalRPC decodes from a received BufferList; the result, when it
// holds variable-length fields, is a view into from's memory valid only
// for from's lifetime — it is not a deep copy.
type Unmarshaler interface {
	UnmarshalRPC(from *BufferList) error
}

// ChecksumValidator is optionally implemented by a Response type. Call
// invokes it on the full-size receive path: a non-empty response whose
// length equals the total size of the buffers the Response described is
// checksum validated before being handed to the caller. CallInto
// validates every non-empty response.
type ChecksumValidator interface {
	ValidateChecksum(payload *BufferList) bool
}

// maxReceiveBuffers is the receive-side limit on variable-length buffers a
// Response may advertise. It is a constant rather than configuration
// because it is a protocol invariant, not a tunable.
const maxReceiveBuffers = 1
