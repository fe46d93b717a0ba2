package pool

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketJournal = []byte("journal")
var bucketCheckpoints = []byte("checkpoints")

// JournalEntry is one append-only record of a task lifecycle event,
// mirroring the teacher's execution-history bookkeeping (SPEC_FULL.md
// section C.2).
type JournalEntry struct {
	Event     EventType `json:"event"`
	WorkerID  string    `json:"worker_id"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckpointRecord is the opaque training checkpoint shape named in spec §6.
type CheckpointRecord struct {
	ID            string    `json:"id"`
	Step          int64     `json:"step"`
	Epoch         int       `json:"epoch"`
	WeightVersion int64     `json:"weightVersion"`
	Loss          float64   `json:"loss"`
	Timestamp     time.Time `json:"timestamp"`
}

// Journal is an optional BoltDB-backed append log for completed/failed/
// timed-out tasks, device joins and leaves, training step events, and
// training checkpoints. The in-memory core's behavior
// is unaffected whether or not a journal is configured; it is write-only
// from the core's perspective and never consulted for live decisions.
type Journal struct {
	db *bbolt.DB
}

// OpenJournal opens (creating if absent) a BoltDB file at path and ensures
// its buckets exist.
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketJournal, bucketCheckpoints} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database file.
func (j *Journal) Close() error { return j.db.Close() }

// Append records one lifecycle event, keyed by timestamp so ForEach replays
// in chronological order.
func (j *Journal) Append(entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	key := fmt.Sprintf("%d:%s", entry.Timestamp.UnixNano(), entry.TaskID)
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJournal).Put([]byte(key), data)
	})
}

// ListenAndAppend subscribes to a Bus and journals every event type it
// publishes except task assignments, suitable for wiring at startup:
// `journal.ListenAndAppend(events)`.
func (j *Journal) ListenAndAppend(events *Bus) {
	for _, t := range []EventType{EventTaskCompleted, EventTaskFailed, EventTaskTimeout, EventDeviceJoined, EventDeviceLeft, EventStepCompleted, EventGradientDropped} {
		events.Subscribe(t, func(e Event) {
			_ = j.Append(JournalEntry{Event: e.Type, WorkerID: e.WorkerID, TaskID: e.TaskID, Timestamp: e.At})
		})
	}
}

// PutCheckpoint persists a training checkpoint keyed by weight version (spec
// §4.8 item 5, §6).
func (j *Journal) PutCheckpoint(cp CheckpointRecord) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := fmt.Sprintf("%020d", cp.WeightVersion)
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(key), data)
	})
}

// LatestCheckpoint returns the checkpoint with the highest weight version,
// if any have been written.
func (j *Journal) LatestCheckpoint() (CheckpointRecord, bool, error) {
	var cp CheckpointRecord
	found := false
	err := j.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketCheckpoints).Cursor()
		k, v := cursor.Last()
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cp)
	})
	if err != nil {
		return CheckpointRecord{}, false, fmt.Errorf("read latest checkpoint: %w", err)
	}
	return cp, found, nil
}
