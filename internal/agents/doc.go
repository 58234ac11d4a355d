// Package agents owns the per-connection protocol behaviors plugged into the
// message bus.
//
// Ownership boundary:
// - agent metadata and factory shape
// - collaborator contracts for DHT, peer discovery and metadata storage
// - the ordered factory registry used at connection setup
package agents
