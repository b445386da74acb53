package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// Budget bounds how far an envelope may travel.
type Budget struct {
	MaxHops  uint8      `json:"maxHops"`
	TTLMs    uint32     `json:"ttlMs"`
	Deadline time.Time  `json:"deadline"`
	Visited  VisitedSet `json:"visited,omitempty"`
}

// Budget defaults and clamps applied at publish time.
const (
	DefaultMaxHops uint8  = 5
	DefaultTTLMs   uint32 = 30_000

	MinMaxHops uint8  = 1
	MaxMaxHops uint8  = 16
	MinTTLMs   uint32 = 1
	MaxTTLMs   uint32 = 300_000
)

// Normalized returns b with defaults applied, limits clamped, and the
// deadline computed from now. A zero MaxHops or TTLMs selects the
// default; a non-zero Deadline is kept so derived envelopes inherit
// the original publish's TTL window. The visited set is cloned so
// callers keep theirs.
func (b Budget) Normalized(now time.Time) Budget {
	if b.MaxHops == 0 {
		b.MaxHops = DefaultMaxHops
	}
	if b.TTLMs == 0 {
		b.TTLMs = DefaultTTLMs
	}
	if b.MaxHops < MinMaxHops {
		b.MaxHops = MinMaxHops
	} else if b.MaxHops > MaxMaxHops {
		b.MaxHops = MaxMaxHops
	}
	if b.TTLMs < MinTTLMs {
		b.TTLMs = MinTTLMs
	} else if b.TTLMs > MaxTTLMs {
		b.TTLMs = MaxTTLMs
	}
	if b.Deadline.IsZero() {
		b.Deadline = now.Add(time.Duration(b.TTLMs) * time.Millisecond)
	}
	b.Visited = b.Visited.Clone()
	return b
}

// Hash is a stable 64-bit subject hash, rendered as 16 hex characters
// on the wire so subjects are not leaked through budget bookkeeping.
type Hash uint64

// HashSubject computes the canonical hash of a subject.
func HashSubject(subject string) Hash {
	return Hash(xxhash.Sum64String(subject))
}

func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// ParseHash parses the 16-hex-character rendering produced by String.
func ParseHash(s string) (Hash, error) {
	if len(s) != 16 {
		return 0, errors.Newf("invalid hash %q", s)
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%016x", &v); err != nil {
		return 0, errors.Wrapf(err, "invalid hash %q", s)
	}
	return Hash(v), nil
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// VisitedSet tracks which subject hashes an envelope has passed
// through, for cycle detection.
type VisitedSet map[Hash]struct{}

func (v VisitedSet) Has(h Hash) bool {
	_, ok := v[h]
	return ok
}

// Add returns a set containing h, allocating if v is nil.
func (v VisitedSet) Add(h Hash) VisitedSet {
	if v == nil {
		v = make(VisitedSet, 1)
	}
	v[h] = struct{}{}
	return v
}

func (v VisitedSet) Clone() VisitedSet {
	if v == nil {
		return nil
	}
	cp := make(VisitedSet, len(v))
	for h := range v {
		cp[h] = struct{}{}
	}
	return cp
}

// MarshalJSON renders the set as a sorted array of hex hashes so the
// encoding is deterministic.
func (v VisitedSet) MarshalJSON() ([]byte, error) {
	hs := make([]string, 0, len(v))
	for h := range v {
		hs = append(hs, h.String())
	}
	sort.Strings(hs)
	return json.Marshal(hs)
}

func (v *VisitedSet) UnmarshalJSON(data []byte) error {
	var hs []string
	if err := json.Unmarshal(data, &hs); err != nil {
		return err
	}
	set := make(VisitedSet, len(hs))
	for _, s := range hs {
		h, err := ParseHash(s)
		if err != nil {
			return err
		}
		set[h] = struct{}{}
	}
	*v = set
	return nil
}
