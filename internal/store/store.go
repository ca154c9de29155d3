package store

import (
	"sort"
	"sync"
	"time"
)

// Kind identifies the sample stream a value belongs to.
type Kind string

const (
	// KindPower holds instantaneous compute-node power draw in watts.
	KindPower Kind = "cpu"
	// KindSolar holds per-bucket solar generation in kilowatt-hours.
	KindSolar Kind = "solar"
)

// Sample is one timestamped observation. Timestamps are UTC instants.
type Sample struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// MemoryStore keeps per-kind, timestamp-ordered sample sequences.
// Appends are idempotent by (kind, timestamp): re-ingesting an existing
// timestamp replaces the value instead of duplicating the sample.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Kind][]Sample
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Kind][]Sample)}
}

// Append inserts or replaces a sample, keeping the sequence sorted.
func (s *MemoryStore) Append(kind Kind, sample Sample) {
	sample.TS = sample.TS.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	arr := s.data[kind]
	idx := sort.Search(len(arr), func(i int) bool {
		return !arr[i].TS.Before(sample.TS)
	})
	if idx < len(arr) && arr[idx].TS.Equal(sample.TS) {
		arr[idx] = sample
		return
	}
	arr = append(arr, Sample{})
	copy(arr[idx+1:], arr[idx:])
	arr[idx] = sample
	s.data[kind] = arr
}

// AppendBatch inserts or replaces samples one by one.
func (s *MemoryStore) AppendBatch(kind Kind, samples []Sample) {
	for _, sample := range samples {
		s.Append(kind, sample)
	}
}

// Query returns samples in the half-open interval [from, to), ascending.
// The returned slice is a copy and safe for the caller to retain.
func (s *MemoryStore) Query(kind Kind, from, to time.Time) []Sample {
	from, to = from.UTC(), to.UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	arr := s.data[kind]
	lo := sort.Search(len(arr), func(i int) bool {
		return !arr[i].TS.Before(from)
	})
	hi := sort.Search(len(arr), func(i int) bool {
		return !arr[i].TS.Before(to)
	})
	if lo >= hi {
		return nil
	}
	out := make([]Sample, hi-lo)
	copy(out, arr[lo:hi])
	return out
}

// Earliest returns the oldest stored sample for the kind, if any.
func (s *MemoryStore) Earliest(kind Kind) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr := s.data[kind]
	if len(arr) == 0 {
		return Sample{}, false
	}
	return arr[0], true
}

// Latest returns the newest stored sample for the kind, if any.
func (s *MemoryStore) Latest(kind Kind) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr := s.data[kind]
	if len(arr) == 0 {
		return Sample{}, false
	}
	return arr[len(arr)-1], true
}

// Len reports the number of stored samples for the kind.
func (s *MemoryStore) Len(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[kind])
}
