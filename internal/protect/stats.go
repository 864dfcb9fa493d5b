package protect

import (
	"fmt"
	"sort"
	"sync"
)

// StatRecord is one compact reconciliation decision, recorded when
// diagnostics are enabled. Filtered is true for packets that produced
// no subscription message.
type StatRecord struct {
	Model       string
	Action      string
	ID          string
	KeysPresent []string
	KeysApplied []string
	PacketSize  int
	Filtered    bool
}

// StatCapture is a bounded in-memory record of reconciliation decisions
// for later summarization. Recording never affects reconciliation
// return values. Oldest records are dropped on overflow.
type StatCapture struct {
	mu       sync.Mutex
	capacity int
	records  []StatRecord
	dropped  int
}

// NewStatCapture creates a capture holding at most capacity records.
func NewStatCapture(capacity int) *StatCapture {
	return &StatCapture{capacity: capacity}
}

// Record appends one decision record.
func (sc *StatCapture) Record(rec StatRecord) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.records = append(sc.records, rec)

	for len(sc.records) > sc.capacity {
		sc.records = sc.records[1:]
		sc.dropped++
	}
}

// Records returns a snapshot of the captured decisions.
func (sc *StatCapture) Records() []StatRecord {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return append([]StatRecord(nil), sc.records...)
}

// Summary aggregates the capture into "model/action: applied/total
// (bytes)" lines, sorted by model and action.
func (sc *StatCapture) Summary() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	type agg struct {
		total   int
		applied int
		bytes   int
	}

	byKey := make(map[string]*agg)

	for _, rec := range sc.records {
		key := rec.Model + "/" + rec.Action

		a, ok := byKey[key]
		if !ok {
			a = &agg{}
			byKey[key] = a
		}

		a.total++
		a.bytes += rec.PacketSize

		if !rec.Filtered {
			a.applied++
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		a := byKey[k]
		lines = append(lines, fmt.Sprintf("%s: %d/%d applied, %d bytes", k, a.applied, a.total, a.bytes))
	}

	return lines
}
