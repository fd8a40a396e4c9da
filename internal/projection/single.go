package projection

import (
	"log/slog"

	"livecache/internal/cache"
	"livecache/internal/realtime"
	"livecache/pkg/model"
)

// SingleOptions configure a single-record projection.
type SingleOptions[T model.Entity] struct {
	// Transform maps raw records to T. Required.
	Transform Transform[T]
}

// Single subscribes to exactly one record of resource, identified by
// recordID, and mirrors it into the cache slot at key: updates replace
// the slot wholesale, deletes clear it. There is no insert handler — a
// record with a known id is never newly discovered.
func Single[T model.Entity](reg *realtime.Registry, resource, recordID string, key cache.Key, store cache.Store, opts SingleOptions[T]) realtime.UnsubscribeFunc {
	if reg == nil || store == nil || opts.Transform == nil || recordID == "" {
		slog.Error("projection: Single called before initialization",
			"resource", resource, "record_id", recordID, "key", key.String(),
			"nil_registry", reg == nil, "nil_store", store == nil, "nil_transform", opts.Transform == nil)
		return func() {}
	}

	return reg.Subscribe(resource, realtime.Handlers{
		OnUpdate: func(rec map[string]interface{}) {
			store.Set(key, opts.Transform(rec))
		},
		OnDelete: func(map[string]interface{}) {
			store.Delete(key)
		},
	}, realtime.SubscribeOptions{Filter: "id=eq." + recordID})
}
