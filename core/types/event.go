package types

// Event represents a typed observation emitted by a ledger operation. The
// attribute map is wire-friendly for RPC subscribers and off-chain indexers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
