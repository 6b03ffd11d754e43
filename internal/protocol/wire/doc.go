// Package wire implements the primitive codec of the worker protocol:
// little-endian u64 integers and length-prefixed byte strings padded to
// eight-byte boundaries, plus the chunked framing used for bulk payloads.
package wire
