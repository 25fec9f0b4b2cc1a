package vm

import "errors"

// ErrMeterExhausted is returned by Meter.Consume when the limit is reached.
var ErrMeterExhausted = errors.New("instruction limit reached")

// Meter counts executed instructions against an optional limit.
type Meter struct {
	limit     uint64
	remaining uint64
	used      uint64
}

// NewMeter creates a meter. A zero limit disables the check.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit, remaining: limit}
}

// Consume charges n instructions.
func (m *Meter) Consume(n uint64) error {
	m.used += n
	if m.limit == 0 {
		return nil
	}
	if m.remaining < n {
		m.remaining = 0
		return ErrMeterExhausted
	}
	m.remaining -= n
	return nil
}

// Remaining returns the instructions left, or 0 when unlimited.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Used returns the instructions charged since the last reset.
func (m *Meter) Used() uint64 {
	return m.used
}

// Limit returns the configured limit.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// Reset restores the full limit.
func (m *Meter) Reset() {
	m.remaining = m.limit
	m.used = 0
}
