// Package protocol owns the daemon wire contract.
//
// Ownership boundary:
// - protocol versions and the handshake magic numbers
// - operation codes and log frame tags
// - the error taxonomy shared by the codec, archive and dispatch layers
//
// Byte-level primitives live in protocol/wire and the typed
// serialization framework in protocol/codec.
package protocol
