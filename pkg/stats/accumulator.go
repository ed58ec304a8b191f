// Package stats keeps a time-ordered window of scalar gyroscope readings and
// computes the statistics used to judge the sensor's zero-rate bias.
package stats

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Sample is one scalar reading.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Summary is a read-only snapshot of the accumulator.
type Summary struct {
	Count        int           `json:"count"`
	Mean         float64       `json:"mean"`
	StdDeviation float64       `json:"stdDeviation"`
	Span         time.Duration `json:"span"`
}

// Accumulator buffers samples in arrival order. Ingestion and reads may happen
// from different goroutines.
type Accumulator struct {
	mu        *sync.RWMutex
	samples   []Sample
	values    []float64
	retention time.Duration
}

// NewAccumulator returns an empty Accumulator. A zero retention keeps every
// sample until Clear is called.
func NewAccumulator(retention time.Duration) *Accumulator {
	return &Accumulator{
		mu:        &sync.RWMutex{},
		retention: retention,
	}
}

// Ingest appends a sample. When a retention window is set, samples older than
// the newest timestamp minus the window are evicted.
func (a *Accumulator) Ingest(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = append(a.samples, s)
	a.values = append(a.values, s.Value)

	if a.retention <= 0 {
		return
	}

	cutoff := s.Timestamp.Add(-a.retention)
	i := 0
	for i < len(a.samples) && a.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(a.samples, a.samples[i:])
	a.samples = a.samples[:n]
	n = copy(a.values, a.values[i:])
	a.values = a.values[:n]
}

// Clear drops every sample.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = a.samples[:0]
	a.values = a.values[:0]
}

// Len returns the number of retained samples.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples)
}

// Mean returns the arithmetic mean, or 0 if empty.
func (a *Accumulator) Mean() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.values) == 0 {
		return 0
	}
	return stat.Mean(a.values, nil)
}

// StdDeviation returns the population standard deviation, or 0 if empty.
func (a *Accumulator) StdDeviation() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.values) == 0 {
		return 0
	}
	return stat.PopStdDev(a.values, nil)
}

// HasEnoughData reports whether the retained samples span at least minDuration.
func (a *Accumulator) HasEnoughData(minDuration time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.samples) == 0 {
		return false
	}
	return a.span() >= minDuration
}

// Summary returns count, mean, standard deviation and span in one locked read.
func (a *Accumulator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.values) == 0 {
		return Summary{}
	}
	mean, std := stat.PopMeanStdDev(a.values, nil)
	return Summary{
		Count:        len(a.values),
		Mean:         mean,
		StdDeviation: std,
		Span:         a.span(),
	}
}

// span must be called with the lock held and a non-empty buffer.
func (a *Accumulator) span() time.Duration {
	return a.samples[len(a.samples)-1].Timestamp.Sub(a.samples[0].Timestamp)
}
