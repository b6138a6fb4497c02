package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

func TestDocumentRecordRoundTrip(t *testing.T) {
	id, version, data := SplitRecord(optimistic.Record{"id": 7, "version": 3.0, "updatedAt": "x", "title": "a"})
	assert.Equal(t, "7", id)
	assert.EqualValues(t, 3, version)
	assert.Equal(t, optimistic.Record{"title": "a"}, data)

	doc := Document{ID: "7", Version: 3, Data: data}
	assert.Equal(t, optimistic.Record{"id": "7", "version": int64(3), "title": "a"}, doc.Record())
}

func TestOperationsAgainstCollection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(fixedOptions())
	coll, err := store.Collection("tasks")
	require.NoError(t, err)
	ops := Operations(coll)

	created, err := ops.Create(ctx, optimistic.Record{"id": "t-1", "title": "draft"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", created["id"])
	assert.EqualValues(t, 1, created["version"])

	updated, err := ops.Update(ctx, optimistic.Record{"id": "t-1", "version": 1, "title": "final"})
	require.NoError(t, err)
	assert.Equal(t, "final", updated["title"])
	assert.EqualValues(t, 2, updated["version"])

	_, err = ops.Update(ctx, optimistic.Record{"id": "t-1", "version": 1, "title": "stale"})
	require.ErrorIs(t, err, ErrVersionConflict)
	_, err = ops.Update(ctx, optimistic.Record{"title": "no id"})
	require.ErrorIs(t, err, ErrInvalidInput)

	upserted, err := ops.Upsert(ctx, optimistic.Record{"id": "t-2", "title": "new"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, upserted["version"])
	upserted, err = ops.Upsert(ctx, optimistic.Record{"id": "t-2", "title": "newer"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, upserted["version"])

	deleted, err := ops.Delete(ctx, optimistic.Record{"id": "t-1", "version": 2})
	require.NoError(t, err)
	assert.Equal(t, true, deleted["deleted"])
	_, err = coll.Read(ctx, "t-1")
	require.ErrorIs(t, err, ErrNotFound)

	records, err := Records(ctx, coll, Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "newer", records[0]["title"])
}

func TestOperationsFor(t *testing.T) {
	ops := Operations(nil)
	for _, op := range []optimistic.Operation{optimistic.OperationCreate, optimistic.OperationUpdate, optimistic.OperationDelete, optimistic.OperationCustom} {
		fn, err := ops.For(op)
		require.NoError(t, err)
		assert.NotNil(t, fn)
	}
	_, err := ops.For("merge")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestVersionConflictDrivesExecutorFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(fixedOptions())
	coll, _ := store.Collection("docs")
	_, err := coll.Create(ctx, "d-1", optimistic.Record{"title": "v1"})
	require.NoError(t, err)
	_, err = coll.Update(ctx, "d-1", 1, optimistic.Record{"title": "v2 from elsewhere"})
	require.NoError(t, err)

	reg, err := optimistic.NewRegistry(optimistic.RegistryOptions{DisableSweep: true})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	exec, err := optimistic.NewExecutor(reg, optimistic.Options{
		Type:         "docs",
		Operation:    optimistic.OperationUpdate,
		Remote:       Operations(coll).Update,
		Speculate:    func(vars, _ optimistic.Record) (optimistic.Record, error) { return vars.Clone(), nil },
		FeedbackSink: optimistic.FeedbackFunc(func(optimistic.Feedback) {}),
	})
	require.NoError(t, err)
	t.Cleanup(exec.Close)

	_, err = exec.Mutate(ctx, optimistic.Record{"id": "d-1", "version": 1, "title": "v2 local"})
	require.ErrorIs(t, err, ErrVersionConflict)
	failed := reg.List(optimistic.Filter{Statuses: []optimistic.Status{optimistic.StatusFailed}})
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error.Message, "expected 1, current 2")
}
