// Package protocol owns the peer wire contract and its error taxonomy.
//
// Ownership boundary:
// - bencode value model and codec (bencode)
// - length-prefixed framing (frame)
// - message codecs and the id registry (message)
// - extension negotiation and extension payloads (extension)
// - per-connection decode/dispatch/encode loop (session)
//
// Codec-level errors are values the connection owner must handle; nothing in
// this tree retries or closes connections on its own.
package protocol
