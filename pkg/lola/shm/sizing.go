package shm

// rootOverheadBytes approximates sizeof(root) for the service_data_control
// / service_data_storage root objects: the UID→PID table, the element
// maps' bookkeeping, and the skeleton PID field.
const rootOverheadBytes = 512

// containerOverheadBytes over-approximates the fixed STL-equivalent
// overhead (Go map/slice headers) contributed per registered event, per
// spec.md §4.F's estimation strategy, which must over-approximate rather
// than compute an exact figure.
const containerOverheadBytes = 256

// slotWordBytes is sizeof(slotstate.Word): one atomic 64-bit word.
const slotWordBytes = 8

// EventSizing describes one registered event's slot geometry for sizing
// purposes.
type EventSizing struct {
	NumSlots   int
	SampleSize int // sizeof(SampleType), opaque to the core per spec.md §9
}

// SizeByEstimation computes an over-approximated control-segment size for
// the given events, per spec.md §4.F's estimation strategy.
func SizeByEstimation(events []EventSizing) int {
	total := rootOverheadBytes
	for _, e := range events {
		total += containerOverheadBytes
		total += e.NumSlots * slotWordBytes
	}
	return total
}

// SizeDataByEstimation computes an over-approximated data-segment size:
// numSlots * sampleSize per event, plus fixed container overhead.
func SizeDataByEstimation(events []EventSizing) int {
	total := rootOverheadBytes
	for _, e := range events {
		total += containerOverheadBytes
		total += e.NumSlots * e.SampleSize
	}
	return total
}

// Simulator is the byte counter for the "simulation" sizing strategy: the
// caller reports each allocation through Observe and reads the running
// total back with Peak. It only counts what it is told. Nothing in this
// module drives a Simulator; the skeleton sizes its segments with
// SizeByEstimation and SizeDataByEstimation.
type Simulator struct {
	peak int
}

// Observe records an allocation of n bytes and updates the peak.
func (s *Simulator) Observe(n int) {
	s.peak += n
}

// Peak returns the recorded peak allocation in bytes.
func (s *Simulator) Peak() int { return s.peak }

// Reset zeroes the simulator for reuse across instances.
func (s *Simulator) Reset() { s.peak = 0 }
