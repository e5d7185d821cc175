package types

// Event is the canonical payload delivered to downstream consumers after a
// successful state mutation. Attributes are flat string pairs so indexers can
// consume them without schema knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
