package pool

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalAppendAndListenAndAppend(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Append(JournalEntry{Event: EventTaskCompleted, WorkerID: "w1", TaskID: "t1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	bus := NewBus()
	j.ListenAndAppend(bus)
	// Publish runs subscribers synchronously, so this must return without
	// panicking or deadlocking against the open bbolt transaction above.
	bus.Publish(Event{Type: EventDeviceJoined, WorkerID: "w2", At: time.Now()})
}

func TestJournalCheckpointRoundTripPicksHighestWeightVersion(t *testing.T) {
	j := openTestJournal(t)

	if _, found, err := j.LatestCheckpoint(); err != nil || found {
		t.Fatalf("expected no checkpoint yet, found=%v err=%v", found, err)
	}

	if err := j.PutCheckpoint(CheckpointRecord{ID: "s1", Step: 1, WeightVersion: 3, Loss: 0.9, Timestamp: time.Now()}); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}
	if err := j.PutCheckpoint(CheckpointRecord{ID: "s1", Step: 2, WeightVersion: 10, Loss: 0.5, Timestamp: time.Now()}); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}
	if err := j.PutCheckpoint(CheckpointRecord{ID: "s1", Step: 3, WeightVersion: 7, Loss: 0.6, Timestamp: time.Now()}); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}

	cp, found, err := j.LatestCheckpoint()
	if err != nil || !found {
		t.Fatalf("expected a checkpoint, found=%v err=%v", found, err)
	}
	if cp.WeightVersion != 10 || cp.Loss != 0.5 {
		t.Fatalf("expected the highest weight version checkpoint, got %+v", cp)
	}
}
