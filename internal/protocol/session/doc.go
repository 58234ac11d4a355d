// Package session owns one peer connection on top of the wire codecs.
//
// Ownership boundary:
// - the 68-byte connection handshake
// - receive buffering, decode and dispatch in arrival order
// - producer polling, encode and write
// - retry/backoff and outbox primitives
//
// A Session is driven by a single processing loop. Only Enqueue and Info
// may be called from other goroutines.
package session
