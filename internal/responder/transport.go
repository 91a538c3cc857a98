package responder

// Transport is the subset of internal/transport.Transport the engine
// depends on, kept local so this package never imports transport
// directly, the same seam storage.CancelFunc uses to avoid a cycle
// between transport and storage (spec.md §9 "Polymorphic storage").
type Transport interface {
	Frames() <-chan []byte
	WriteBulkIn(b []byte) error
	WriteInterrupt(b []byte) error
	Cancelled() bool
	ClearCancel()
	// Suspended delivers true on a USB SUSPEND control event and false
	// on the matching RESUME, driving the engine's *->Suspend->* arc
	// (spec.md §4.5).
	Suspended() <-chan bool
}
