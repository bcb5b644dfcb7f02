package detector

import "github.com/rewired-gh/fallguard/internal/models"

// Ring is a fixed-capacity ring buffer of magnitude readings.
type Ring struct {
	data []models.MagnitudeReading
	pos  int
	full bool
	cap  int
}

// NewRing creates a Ring with the given capacity.
func NewRing(cap int) *Ring {
	if cap < 1 {
		cap = 1
	}
	return &Ring{
		data: make([]models.MagnitudeReading, cap),
		cap:  cap,
	}
}

// Push adds a reading, overwriting the oldest once full.
func (r *Ring) Push(v models.MagnitudeReading) {
	r.data[r.pos] = v
	r.pos++
	if r.pos >= r.cap {
		r.pos = 0
		r.full = true
	}
}

// Len returns the number of readings in the buffer.
func (r *Ring) Len() int {
	if r.full {
		return r.cap
	}
	return r.pos
}

// Slice returns the buffer contents in insertion order.
func (r *Ring) Slice() []models.MagnitudeReading {
	n := r.Len()
	out := make([]models.MagnitudeReading, n)
	if r.full {
		copy(out, r.data[r.pos:])
		copy(out[r.cap-r.pos:], r.data[:r.pos])
	} else {
		copy(out, r.data[:r.pos])
	}
	return out
}

// Latest returns the newest reading.
func (r *Ring) Latest() (models.MagnitudeReading, bool) {
	if r.Len() == 0 {
		return models.MagnitudeReading{}, false
	}
	i := r.pos - 1
	if i < 0 {
		i = r.cap - 1
	}
	return r.data[i], true
}
