package rail

// A Payload is one data product: a table of columns, an ensemble of
// distributions, a trained model. Payloads are addressed by row so that
// the execution engine can stream them in [start, end) chunks.
type Payload interface {
	NumRows() int                            // NumRows returns the extent of this Payload
	Slice(start, end int) (Payload, error)   // Slice returns the [start, end) sub-range of this Payload
	Append(other Payload) (Payload, error)   // Append concatenates another Payload of the same shape onto this one
}
