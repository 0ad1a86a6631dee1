package types

// Event represents a typed event emitted during state transitions. Sequence is
// the protocol-wide ordering id assigned when the emitting operation commits.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
