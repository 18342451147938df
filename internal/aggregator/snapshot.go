package aggregator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"tokenhub/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// InstanceRecord holds the resolved fields of one instance from one
// aggregation pass. Records are never modified after the pass that built them.
type InstanceRecord struct {
	Address common.Address
	// Fields maps field name to the read value or its fallback.
	Fields map[string]any
	// Failures maps field name to the failure reason for fields that fell back.
	Failures map[string]string
}

// Value returns the value of the named field.
func (r InstanceRecord) Value(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Exclusion explains why an instance was dropped from a snapshot.
type Exclusion struct {
	Address common.Address
	Field   string
	Reason  string
}

// Snapshot is the immutable result of one aggregation pass.
type Snapshot struct {
	// Records are in resolver order, excluded instances removed.
	Records  []InstanceRecord
	Excluded []Exclusion

	Attempted int
	Succeeded int
	TakenAt   time.Time
}

// EmptySnapshot returns the snapshot shown before the first load.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Records:  []InstanceRecord{},
		Excluded: []Exclusion{},
	}
}

// Len returns the number of records.
func (s *Snapshot) Len() int {
	return len(s.Records)
}

// SortedBy returns a copy of the records ordered by a field. Records missing
// the field sort last. The snapshot itself is not reordered.
func (s *Snapshot) SortedBy(field string, desc bool) []InstanceRecord {
	out := make([]InstanceRecord, len(s.Records))
	copy(out, s.Records)

	sort.SliceStable(out, func(i, j int) bool {
		vi, okI := out[i].Fields[field]
		vj, okJ := out[j].Fields[field]
		if !okI || !okJ {
			return okI && !okJ
		}
		c := compareValues(vi, vj)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

// compareValues orders integers numerically and everything else by display form.
func compareValues(a, b any) int {
	ai, okA := models.AsInteger(a)
	bi, okB := models.AsInteger(b)
	if okA && okB {
		return ai.Cmp(bi)
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(models.FormatValue(a), models.FormatValue(b))
}

// Persisted form of a snapshot.
type encodedRecord struct {
	Address  string                       `json:"address"`
	Fields   map[string]models.TypedValue `json:"fields"`
	Failures map[string]string            `json:"failures,omitempty"`
}

type encodedExclusion struct {
	Address string `json:"address"`
	Field   string `json:"field"`
	Reason  string `json:"reason"`
}

type encodedSnapshot struct {
	Records   []encodedRecord    `json:"records"`
	Excluded  []encodedExclusion `json:"excluded"`
	Attempted int                `json:"attempted"`
	Succeeded int                `json:"succeeded"`
	TakenAt   time.Time          `json:"taken_at"`
}

// EncodeSnapshot serialises a snapshot with typed values so DecodeSnapshot
// restores integers as *big.Int and addresses as common.Address.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	enc := encodedSnapshot{
		Records:   make([]encodedRecord, len(s.Records)),
		Excluded:  make([]encodedExclusion, len(s.Excluded)),
		Attempted: s.Attempted,
		Succeeded: s.Succeeded,
		TakenAt:   s.TakenAt,
	}

	for i, r := range s.Records {
		fields := make(map[string]models.TypedValue, len(r.Fields))
		for name, v := range r.Fields {
			fields[name] = models.EncodeValue(v)
		}
		enc.Records[i] = encodedRecord{
			Address:  r.Address.Hex(),
			Fields:   fields,
			Failures: r.Failures,
		}
	}
	for i, e := range s.Excluded {
		enc.Excluded[i] = encodedExclusion{Address: e.Address.Hex(), Field: e.Field, Reason: e.Reason}
	}

	return json.Marshal(enc)
}

// DecodeSnapshot restores a snapshot written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var enc encodedSnapshot
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}

	s := &Snapshot{
		Records:   make([]InstanceRecord, len(enc.Records)),
		Excluded:  make([]Exclusion, len(enc.Excluded)),
		Attempted: enc.Attempted,
		Succeeded: enc.Succeeded,
		TakenAt:   enc.TakenAt,
	}

	for i, r := range enc.Records {
		if !common.IsHexAddress(r.Address) {
			return nil, fmt.Errorf("record %d: invalid address %q", i, r.Address)
		}
		fields := make(map[string]any, len(r.Fields))
		for name, tv := range r.Fields {
			v, err := models.DecodeValue(tv)
			if err != nil {
				return nil, fmt.Errorf("record %d field %s: %w", i, name, err)
			}
			fields[name] = v
		}
		failures := r.Failures
		if failures == nil {
			failures = map[string]string{}
		}
		s.Records[i] = InstanceRecord{
			Address:  common.HexToAddress(r.Address),
			Fields:   fields,
			Failures: failures,
		}
	}
	for i, e := range enc.Excluded {
		s.Excluded[i] = Exclusion{Address: common.HexToAddress(e.Address), Field: e.Field, Reason: e.Reason}
	}

	return s, nil
}
