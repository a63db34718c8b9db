package rpc

import (
	"github.com/sagernet/sing/common/bufio"
)

// writeFrame writes Header || payload to conn as atomically as the
// underlying writer allows, without copying the payload slices into a
// single contiguous buffer. It probes the connection for a vectorised
// writer once per call: when conn exposes one (e.g. it wraps
// net.Buffers-capable syscall.Writev support), the header and every
// payload slice are handed to the kernel as one scatter/gather write;
// otherwise it falls back to sequential Write calls, still under the
// caller's write mutex so no interleaving with another writer is
// possible.
func writeFrame(conn Conn, h Header, payload []Slice) (int, error) {
	var hdr [HeaderSize]byte
	h.Encode(hdr[:])

	if bw, ok := bufio.CreateVectorisedWriter(conn); ok {
		vec := make([][]byte, 0, len(payload)+1)
		vec = append(vec, hdr[:])
		vec = append(vec, payload...)
		n, err := bufio.WriteVectorised(bw, vec)
		if n < HeaderSize {
			return 0, err
		}
		return n - HeaderSize, err
	}

	if _, err := writeFull(conn, hdr[:]); err != nil {
		return 0, err
	}
	total := 0
	for _, s := range payload {
		if len(s) == 0 {
			continue
		}
		n, err := writeFull(conn, s)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeFull writes all of b to conn, retrying partial writes to
// completion: the stream contract allows partial reads/writes, so every
// caller-facing write retries internally rather than surfacing a short
// write to the caller.
func writeFull(conn Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errShortWrite
		}
	}
	return total, nil
}

// readFull reads exactly len(b) bytes from conn, retrying partial reads.
func readFull(conn Conn, b []byte) error {
	total := 0
	for total < len(b) {
		n, err := conn.Read(b[total:])
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			return errShortWrite
		}
	}
	return nil
}

var errShortWrite = shortIOError("rpc: short read/write with no progress and no error")

type shortIOError string

func (e shortIOError) Error() string { return string(e) }
