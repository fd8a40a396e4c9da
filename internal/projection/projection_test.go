package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecache/internal/cache"
	"livecache/internal/realtime"
	"livecache/internal/transport"
	"livecache/internal/transport/memory"
	"livecache/pkg/model"
)

type task struct {
	ID    string
	Title string
}

func (t task) GetID() string { return t.ID }

func taskFromRecord(rec map[string]interface{}) task {
	t := task{}
	if id, ok := rec["id"].(string); ok {
		t.ID = id
	}
	if title, ok := rec["title"].(string); ok {
		t.Title = title
	}
	return t
}

func setup(t *testing.T) (*realtime.Registry, *memory.Engine, *cache.MemoryStore) {
	t.Helper()
	engine := memory.New()
	t.Cleanup(func() { engine.Close() })
	reg := realtime.New(engine)
	require.NoError(t, reg.Start(context.Background()))
	return reg, engine, cache.NewMemoryStore()
}

func publish(t *testing.T, e *memory.Engine, evt transport.ChangeEvent) {
	t.Helper()
	require.NoError(t, e.Publish(context.Background(), evt))
}

func cachedTasks(t *testing.T, store *cache.MemoryStore, key cache.Key) []task {
	t.Helper()
	v, ok := store.Get(key)
	require.True(t, ok, "cache entry %s missing", key)
	list, ok := v.([]task)
	require.True(t, ok)
	return list
}

func TestApplyInsert_Idempotent(t *testing.T) {
	list := applyInsert(nil, task{ID: "a"})
	list = applyInsert(list, task{ID: "a"})
	require.Len(t, list, 1)

	list = applyInsert(list, task{ID: "b"})
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestApplyUpdate_ReplacesInPlace(t *testing.T) {
	list := []task{{ID: "a"}, {ID: "b"}}
	out := applyUpdate(list, task{ID: "a", Title: "x"})
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0].Title)
	assert.Equal(t, "", list[0].Title, "input slice untouched")
}

func TestApplyUpdate_AbsentBecomesInsert(t *testing.T) {
	out := applyUpdate([]task{{ID: "a"}}, task{ID: "b", Title: "late"})
	require.Len(t, out, 2)
	assert.Equal(t, "late", out[1].Title)
}

func TestApplyDelete_AbsentIsSameSlice(t *testing.T) {
	list := []task{{ID: "a"}}
	out := applyDelete(list, "missing")
	assert.Same(t, &list[0], &out[0], "no-op delete must not reallocate")
}

func TestList_InsertUpdateDeleteFlow(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"tasks", "list"}

	List(reg, "tasks", key, store, ListOptions[task]{Transform: taskFromRecord})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventInsert, Resource: "tasks",
		Record: map[string]interface{}{"id": "a"},
	})
	assert.Equal(t, []task{{ID: "a"}}, cachedTasks(t, store, key))

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventUpdate, Resource: "tasks",
		Record: map[string]interface{}{"id": "a", "title": "x"},
	})
	assert.Equal(t, []task{{ID: "a", Title: "x"}}, cachedTasks(t, store, key))

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventDelete, Resource: "tasks",
		OldRecord: map[string]interface{}{"id": "a"},
	})
	assert.Empty(t, cachedTasks(t, store, key))
}

func TestList_DuplicateInsertIsNoop(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"tasks", "list"}

	List(reg, "tasks", key, store, ListOptions[task]{Transform: taskFromRecord})

	evt := transport.ChangeEvent{
		Type: transport.EventInsert, Resource: "tasks",
		Record: map[string]interface{}{"id": "t1"},
	}
	publish(t, engine, evt)
	publish(t, engine, evt)

	assert.Len(t, cachedTasks(t, store, key), 1)
}

func TestList_UpdateBeforeInsertStillLands(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"tasks", "list"}

	List(reg, "tasks", key, store, ListOptions[task]{Transform: taskFromRecord})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventUpdate, Resource: "tasks",
		Record: map[string]interface{}{"id": "t9", "title": "raced"},
	})

	got := cachedTasks(t, store, key)
	require.Len(t, got, 1)
	assert.Equal(t, "raced", got[0].Title)
}

func TestList_DeleteOnEmptyCacheIsNoop(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"tasks", "list"}

	List(reg, "tasks", key, store, ListOptions[task]{Transform: taskFromRecord})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventDelete, Resource: "tasks",
		OldRecord: map[string]interface{}{"id": "ghost"},
	})

	assert.Empty(t, cachedTasks(t, store, key))
}

func TestList_SeededCacheIsReconciled(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"tasks", "list"}
	store.Set(key, []task{{ID: "a"}})

	List(reg, "tasks", key, store, ListOptions[task]{Transform: taskFromRecord})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventUpdate, Resource: "tasks",
		Record: map[string]interface{}{"id": "a", "title": "x"},
	})
	assert.Equal(t, []task{{ID: "a", Title: "x"}}, cachedTasks(t, store, key))
}

func TestList_FilterScopesSubscription(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"tasks", "u1"}

	List(reg, "tasks", key, store, ListOptions[task]{
		Filter:    "owner=eq.u1",
		Transform: taskFromRecord,
	})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventInsert, Resource: "tasks",
		Record: map[string]interface{}{"id": "mine", "owner": "u1"},
	})
	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventInsert, Resource: "tasks",
		Record: map[string]interface{}{"id": "theirs", "owner": "u2"},
	})

	got := cachedTasks(t, store, key)
	require.Len(t, got, 1)
	assert.Equal(t, "mine", got[0].ID)
}

func TestList_RawDocuments(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"tasks", "raw"}

	List(reg, "tasks", key, store, ListOptions[model.Document]{Transform: model.AsDocument})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventInsert, Resource: "tasks",
		Record: map[string]interface{}{"id": "t1", "title": "x"},
	})

	v, ok := store.Get(key)
	require.True(t, ok)
	docs := v.([]model.Document)
	require.Len(t, docs, 1)
	assert.Equal(t, "t1", docs[0].GetID())
}

func TestList_MisconfiguredIsNoop(t *testing.T) {
	reg, _, store := setup(t)

	unsub := List[task](reg, "tasks", cache.Key{"x"}, store, ListOptions[task]{})
	unsub()
	assert.Zero(t, reg.Debug().SubscriptionCount)
}

func TestSingle_UpdateReplacesSlot(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"session", "s1"}

	Single(reg, "sessions", "s1", key, store, SingleOptions[task]{Transform: taskFromRecord})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventUpdate, Resource: "sessions",
		Record: map[string]interface{}{"id": "s1", "title": "v2"},
	})

	v, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, task{ID: "s1", Title: "v2"}, v)
}

func TestSingle_DeleteClearsSlot(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"session", "s1"}
	store.Set(key, task{ID: "s1"})

	Single(reg, "sessions", "s1", key, store, SingleOptions[task]{Transform: taskFromRecord})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventDelete, Resource: "sessions",
		OldRecord: map[string]interface{}{"id": "s1"},
	})

	_, ok := store.Get(key)
	assert.False(t, ok)
}

func TestSingle_OtherRecordsDoNotTouchSlot(t *testing.T) {
	reg, engine, store := setup(t)
	key := cache.Key{"session", "s1"}

	Single(reg, "sessions", "s1", key, store, SingleOptions[task]{Transform: taskFromRecord})

	publish(t, engine, transport.ChangeEvent{
		Type: transport.EventUpdate, Resource: "sessions",
		Record: map[string]interface{}{"id": "s2", "title": "other"},
	})

	_, ok := store.Get(key)
	assert.False(t, ok)
}
