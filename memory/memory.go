// Package memory implements C7: a ring buffer of recent observations plus a
// per-bucket EWMA map, from which a "sweet spot" ef value is derived per
// bucket and fed back into the Brain's step-0 memory hook. It is a separate
// singleton from TuningState, guarded by its own mutex (spec §5's "Memory is
// a separate singleton with the same discipline").
package memory

import (
	"sync"
	"time"

	"github.com/vectune/autotune/brain"
	"github.com/vectune/autotune/internal/ring"
)

// Defaults, applied to zero Config fields. Nothing in this repository reads
// MEMORY_RING_SIZE / MEMORY_ALPHA / MEMORY_TTL_SEC; values reach a Memory
// only through Config.
const (
	DefaultRingSize   = 100
	DefaultAlpha      = 0.2
	DefaultTTLSeconds = 900
)

// MemorySample is one observed (bucket, ef) data point (spec §3).
type MemorySample struct {
	BucketID   string
	Ef         int
	T          float64
	CandidateK int
	P95Ms      float64
	RecallAt10 float64
	Timestamp  time.Time
}

// SweetSpot is the smallest ef within a bucket whose EWMA satisfies the SLO
// (spec §3).
type SweetSpot struct {
	Ef         int
	T          float64
	MeetsSLO   bool
	AgeSec     float64
	EWMAP95    float64
	EWMARecall float64
}

// SLO is the target pair sweet-spot derivation checks EWMAs against.
type SLO struct {
	P95Ms      float64
	RecallAt10 float64
}

type ewmaEntry struct {
	p95, recall float64
	count       int
	lastT       float64
}

// Persister is the external-persistence hook set (spec §4.7): no-op by
// default. Re-enabling a real backend must not change the semantics of the
// in-memory path above.
type Persister interface {
	LoadFromDisk(path string) ([]MemorySample, error)
	PersistToDisk(path string, samples []MemorySample) error
	LoadFromRedis(addr string) ([]MemorySample, error)
	PersistToRedis(addr string, samples []MemorySample) error
}

// NoopPersister is the default Persister.
type NoopPersister struct{}

func (NoopPersister) LoadFromDisk(string) ([]MemorySample, error)        { return nil, nil }
func (NoopPersister) PersistToDisk(string, []MemorySample) error         { return nil }
func (NoopPersister) LoadFromRedis(string) ([]MemorySample, error)       { return nil, nil }
func (NoopPersister) PersistToRedis(string, []MemorySample) error        { return nil }

// Config configures a Memory.
type Config struct {
	RingSize  int
	Alpha     float64
	TTL       time.Duration
	Persister Persister
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTLSeconds * time.Second
	}
	if c.Persister == nil {
		c.Persister = NoopPersister{}
	}
	return c
}

// Memory is the C7 store.
type Memory struct {
	mu         sync.Mutex
	cfg        Config
	samples    *ring.Buffer[MemorySample]
	ewma       map[string]map[int]*ewmaEntry
	sweetSpot  map[string]SweetSpot
	lastUpdate map[string]time.Time
}

// New constructs a Memory with the given config (zero fields take defaults).
func New(cfg Config) *Memory {
	cfg = cfg.withDefaults()
	return &Memory{
		cfg:        cfg,
		samples:    ring.New[MemorySample](cfg.RingSize),
		ewma:       make(map[string]map[int]*ewmaEntry),
		sweetSpot:  make(map[string]SweetSpot),
		lastUpdate: make(map[string]time.Time),
	}
}

// DefaultBucketOf derives a coarse bucket id from candidate_k (spec §4.7).
// The small/medium/large boundaries are not pinned by the spec; these
// thresholds split the declared candidate_k range [500,2000] into small
// (below 800), medium (800-1499) and large (1500 and up) bands.
func DefaultBucketOf(candidateK int) string {
	switch {
	case candidateK < 800:
		return "small"
	case candidateK < 1500:
		return "medium"
	default:
		return "large"
	}
}

// Observe records a sample into the ring buffer, updates the bucket's
// per-ef EWMA, and recomputes that bucket's sweet spot.
func (m *Memory) Observe(sample MemorySample, slo SLO) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples.Push(sample)

	bucket, ok := m.ewma[sample.BucketID]
	if !ok {
		bucket = make(map[int]*ewmaEntry)
		m.ewma[sample.BucketID] = bucket
	}
	e, ok := bucket[sample.Ef]
	if !ok {
		e = &ewmaEntry{p95: sample.P95Ms, recall: sample.RecallAt10}
		bucket[sample.Ef] = e
	} else {
		e.p95 = m.cfg.Alpha*sample.P95Ms + (1-m.cfg.Alpha)*e.p95
		e.recall = m.cfg.Alpha*sample.RecallAt10 + (1-m.cfg.Alpha)*e.recall
	}
	e.count++
	e.lastT = sample.T

	m.lastUpdate[sample.BucketID] = sample.Timestamp
	m.recomputeSweetSpot(sample.BucketID, slo)
}

// recomputeSweetSpot finds the smallest ef in the bucket whose EWMA
// satisfies the SLO, per spec §4.7. Caller holds m.mu.
func (m *Memory) recomputeSweetSpot(bucketID string, slo SLO) {
	bucket := m.ewma[bucketID]
	bestEf := -1
	for ef, e := range bucket {
		if e.p95 <= slo.P95Ms && e.recall >= slo.RecallAt10 {
			if bestEf == -1 || ef < bestEf {
				bestEf = ef
			}
		}
	}
	if bestEf == -1 {
		delete(m.sweetSpot, bucketID)
		return
	}
	e := bucket[bestEf]
	m.sweetSpot[bucketID] = SweetSpot{
		Ef:         bestEf,
		T:          e.lastT,
		MeetsSLO:   true,
		EWMAP95:    e.p95,
		EWMARecall: e.recall,
	}
}

// Query returns the bucket's sweet spot unless its last update is older than
// the TTL, in which case the returned spot has MeetsSLO=false and ok=false
// (spec §4.7's "marks the spot meets_slo=false and returns nil").
func (m *Memory) Query(bucketID string, now time.Time) (SweetSpot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	spot, found := m.sweetSpot[bucketID]
	if !found {
		return SweetSpot{}, false
	}
	age := now.Sub(m.lastUpdate[bucketID])
	spot.AgeSec = age.Seconds()
	if age > m.cfg.TTL {
		spot.MeetsSLO = false
		return spot, false
	}
	return spot, true
}

// Hint converts this bucket's current query result into the MemoryHint
// brain.Decide's step 0 consumes, keeping Decide itself free of any
// dependency on this package.
func (m *Memory) Hint(bucketID string, now time.Time) brain.MemoryHint {
	spot, ok := m.Query(bucketID, now)
	if !ok {
		return brain.MemoryHint{Enabled: true, SweetSpotFound: spot.Ef != 0, Stale: true}
	}
	return brain.MemoryHint{
		Enabled:        true,
		SweetSpotFound: true,
		MeetsSLO:       spot.MeetsSLO,
		Stale:          false,
		SweetEf:        spot.Ef,
	}
}

// RecentSamples returns the ring buffer's contents, oldest first.
func (m *Memory) RecentSamples() []MemorySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples.Slice()
}

// LoadSamples and PersistSamples delegate to the configured Persister (a
// no-op by default); re-enabling a real backend changes only where samples
// come from/go to, never the Observe/Query semantics above.
func (m *Memory) LoadSamples(path string) ([]MemorySample, error) {
	return m.cfg.Persister.LoadFromDisk(path)
}

func (m *Memory) PersistSamples(path string) error {
	return m.cfg.Persister.PersistToDisk(path, m.RecentSamples())
}
