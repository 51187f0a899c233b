package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/clawstore/clawstore/core"
	"go.opentelemetry.io/otel/attribute"
)

// Txn is a staged batch of mutations against one engine. Put and Delete
// only buffer records in memory; Commit is the sole point at which the
// batch becomes durable and visible (spec §4.5).
type Txn struct {
	engine  *Engine
	records []core.Record
}

// Put stages a write of value for (table, key). LSNs are assigned only at
// Commit time, so the same key may be staged multiple times in one
// transaction; only the last write is visible after commit (spec §8
// "overwriting the same key N times in one transaction yields one visible
// value").
func (t *Txn) Put(table string, key, value []byte) error {
	if err := t.engine.validate(table, key, value); err != nil {
		return err
	}
	t.records = append(t.records, core.Record{Table: table, Key: key, Value: value, Op: core.OpPut})
	return nil
}

// Delete stages a tombstone for (table, key). Deleting a never-written key
// is not an error; it still produces a durable tombstone once committed.
func (t *Txn) Delete(table string, key []byte) error {
	if err := t.engine.validate(table, key, nil); err != nil {
		return err
	}
	t.records = append(t.records, core.Record{Table: table, Key: key, Op: core.OpDelete})
	return nil
}

// Len reports the number of staged records.
func (t *Txn) Len() int { return len(t.records) }

// Commit flushes the staged batch through the WAL and, only once that
// fsync succeeds, applies every record to the index in LSN order (spec
// §4.2 step 4, §4.5 "Commit"). A failure leaves the index untouched: the
// caller may retry the same Txn.
func (t *Txn) Commit(ctx context.Context) error {
	if len(t.records) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "engine.Txn.Commit")
	defer span.End()
	span.SetAttributes(attribute.Int("commit.record_count", len(t.records)))

	start := time.Now()
	if err := t.engine.wal.AppendBatch(ctx, t.records); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}

	for i := range t.records {
		r := &t.records[i]
		state := stateFor(r.Op)
		t.engine.index.Apply(r.Table, r.Key, r.Value, r.LSN, state)
	}

	t.engine.digests.observeCommit(time.Since(start))
	return nil
}
