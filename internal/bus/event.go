package bus

import "time"

// Event is a domain event published in-process. Kind is a dotted name
// ("store.messages.<roomID>", "transport.state"); subscribers filter by
// prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
