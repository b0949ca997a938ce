package batch

import (
	"github.com/mlops-tools/tracklift/internal/metric"
)

// DefaultCapacity is the destination write API's hard per-call limit on
// metrics per batch.
const DefaultCapacity = 1000

// Accumulator collects converted metric points into write batches that
// never exceed a fixed capacity. It is not safe for concurrent use; each
// run's conversion owns its own Accumulator.
type Accumulator struct {
	capacity int
	buffer   metric.Batch
}

// NewAccumulator creates an Accumulator with the given capacity. A
// capacity of zero or less selects DefaultCapacity.
func NewAccumulator(capacity int) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Accumulator{capacity: capacity}
}

// Capacity returns the flush threshold.
func (a *Accumulator) Capacity() int {
	return a.capacity
}

// Len returns the number of buffered points.
func (a *Accumulator) Len() int {
	return len(a.buffer)
}

// Append offers a candidate batch. When buffering the candidate would
// reach the capacity, the current buffer is returned as-is for the caller
// to write immediately, and the candidate becomes the new buffer. A
// candidate that alone reaches the capacity is split into capacity-sized
// chunks; every returned batch is ready to write, in order, and none
// exceeds the capacity.
func (a *Accumulator) Append(candidate metric.Batch) []metric.Batch {
	if len(a.buffer)+len(candidate) < a.capacity {
		a.buffer = append(a.buffer, candidate...)
		return nil
	}

	flushed := make([]metric.Batch, 0, 2)
	if len(a.buffer) > 0 {
		flushed = append(flushed, a.buffer)
	}

	// Oversize candidates are chunked so the capacity invariant holds
	// even for a single row wider than the write limit.
	for len(candidate) >= a.capacity {
		chunk := make(metric.Batch, a.capacity)
		copy(chunk, candidate[:a.capacity])
		flushed = append(flushed, chunk)
		candidate = candidate[a.capacity:]
	}

	a.buffer = make(metric.Batch, len(candidate))
	copy(a.buffer, candidate)
	return flushed
}

// AppendPair offers two sub-batches produced from the same source row,
// such as device-indexed telemetry plus scalar host telemetry. Both are
// evaluated together against the capacity check and either both join the
// pre-flush buffer or both defer to the post-flush buffer; they are never
// split across a flush boundary.
func (a *Accumulator) AppendPair(device, host metric.Batch) []metric.Batch {
	combined := make(metric.Batch, 0, len(device)+len(host))
	combined = append(combined, device...)
	combined = append(combined, host...)
	return a.Append(combined)
}

// Flush returns the remaining buffer, which may be empty, and clears it.
// Callers must write the returned batch at stream end: a record set that
// lands exactly on a multiple of the capacity still gets its final flush
// rather than being silently dropped.
func (a *Accumulator) Flush() metric.Batch {
	remainder := a.buffer
	a.buffer = nil
	if remainder == nil {
		remainder = metric.Batch{}
	}
	return remainder
}
