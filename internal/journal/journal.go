// Package journal implements the append-only change journal. Every
// successful PUT appends one ChangeRecord under a single global
// sequence, and clients poll the journal to refresh their caches
// incrementally instead of re-fetching whole collections.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"ledgerstore/internal/models"
	"ledgerstore/internal/storage"
)

// DefaultTailSize is the default number of entries kept in memory.
const DefaultTailSize = 100

// journalWriter is the holder name used when persisting entries.
// Journal entries are never locked, so it only shows up in audit trails.
const journalWriter = "journal"

// Journal assigns change ids and serves change history. The global
// counter and the in-memory tail are guarded by one mutex, so
// RecordChange is a single critical section: no gaps, no duplicates,
// even under concurrent PUTs. Reads within the tail window are served
// from memory; older ranges fall back to a backend query.
type Journal struct {
	backend  storage.Backend
	tailSize int

	mu     sync.Mutex
	latest int64
	tail   []models.ChangeRecord
}

// New creates a Journal and primes the tail window from the backend.
// Change ids are gapless and start at 1, so the entry count equals the
// latest id. tailSize <= 0 selects DefaultTailSize.
func New(ctx context.Context, backend storage.Backend, tailSize int) (*Journal, error) {
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}
	latest, err := backend.Count(ctx, models.ChangeRecordType)
	if err != nil {
		return nil, fmt.Errorf("prime journal: %w", err)
	}

	j := &Journal{backend: backend, tailSize: tailSize, latest: latest}

	since := latest - int64(tailSize)
	if since < 0 {
		since = 0
	}
	if latest > 0 {
		tail, err := j.queryBackend(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("prime journal tail: %w", err)
		}
		j.tail = tail
	}
	return j, nil
}

// RecordChange persists a new ChangeRecord for (typeName, objectID) and
// returns its change id.
func (j *Journal) RecordChange(ctx context.Context, typeName, objectID string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := models.ChangeRecord{
		ChangeID: j.latest + 1,
		Type:     typeName,
		ObjectID: objectID,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("encode change record: %w", err)
	}
	ok, err := j.backend.Persist(ctx, journalWriter, models.ChangeRecordType, rec.ID(), data)
	if err != nil {
		return 0, fmt.Errorf("persist change record: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("persist change record %d: write refused", rec.ChangeID)
	}

	j.latest = rec.ChangeID
	j.tail = append(j.tail, rec)
	if len(j.tail) > j.tailSize {
		j.tail = j.tail[len(j.tail)-j.tailSize:]
	}
	return rec.ChangeID, nil
}

// ChangesSince returns every entry with a change id greater than since,
// in ascending order.
func (j *Journal) ChangesSince(ctx context.Context, since int64) ([]models.ChangeRecord, error) {
	j.mu.Lock()
	latest := j.latest
	var fromTail []models.ChangeRecord
	inTail := len(j.tail) > 0 && since+1 >= j.tail[0].ChangeID
	if inTail {
		for _, rec := range j.tail {
			if rec.ChangeID > since {
				fromTail = append(fromTail, rec)
			}
		}
	}
	j.mu.Unlock()

	if since >= latest {
		return nil, nil
	}
	if inTail {
		return fromTail, nil
	}
	return j.queryBackend(ctx, since)
}

// LatestChangeID returns the most recently assigned change id, or 0 if
// the journal is empty.
func (j *Journal) LatestChangeID() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.latest
}

// queryBackend fetches entries with change id > since through the same
// ad-hoc query path any record type uses.
func (j *Journal) queryBackend(ctx context.Context, since int64) ([]models.ChangeRecord, error) {
	docs, err := j.backend.GetWhere(ctx, models.ChangeRecordType,
		[]string{"changeId"},
		[]string{">="},
		[]string{strconv.FormatInt(since+1, 10)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("query change records: %w", err)
	}
	out := make([]models.ChangeRecord, 0, len(docs))
	for _, doc := range docs {
		var rec models.ChangeRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode change record: %w", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ChangeID < out[b].ChangeID })
	return out, nil
}
