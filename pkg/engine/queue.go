package engine

import (
	"context"
	"slices"
)

// DrainResult summarizes one pass over a SyncQueue.
type DrainResult struct {
	Applied  int
	Dropped  int
	Retained int
}

// SyncQueue holds configuration records in arrival order until they are applied.
// It is not safe for concurrent use.
type SyncQueue struct {
	records []Record
}

// Push appends records in order.
func (q *SyncQueue) Push(recs ...Record) {
	q.records = append(q.records, recs...)
}

// Len returns the number of queued records.
func (q *SyncQueue) Len() int {
	return len(q.records)
}

// Pending returns a copy of the queued records.
func (q *SyncQueue) Pending() []Record {
	return slices.Clone(q.records)
}

// Drain applies the queued records in arrival order. A record whose apply
// returns a retry error stays queued and holds back the later records with
// the same key for this pass; records of other keys are not affected. Every
// other outcome removes the record.
func (q *SyncQueue) Drain(ctx context.Context, apply func(context.Context, Record) error) DrainResult {
	var (
		res     DrainResult
		kept    []Record
		blocked = make(map[string]struct{})
	)

	for _, rec := range q.records {
		if _, ok := blocked[rec.Key]; ok {
			kept = append(kept, rec)
			res.Retained++
			continue
		}

		switch StatusOf(apply(ctx, rec)) {
		case StatusSuccess:
			res.Applied++
		case StatusRetry:
			blocked[rec.Key] = struct{}{}
			kept = append(kept, rec)
			res.Retained++
		default:
			res.Dropped++
		}
	}

	q.records = kept
	return res
}
