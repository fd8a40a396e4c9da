package projection

import (
	"log/slog"

	"livecache/internal/cache"
	"livecache/internal/realtime"
	"livecache/pkg/model"
)

// Transform maps a raw transport record to the consumer's entity type.
// model.AsDocument is the identity transform for untyped consumers.
type Transform[T model.Entity] func(record map[string]interface{}) T

// ListOptions configure a list-mode projection.
type ListOptions[T model.Entity] struct {
	// Filter is an optional "field=eq.value" row filter.
	Filter string

	// Transform maps raw records to T. Required.
	Transform Transform[T]
}

// List subscribes to resource and reconciles every change event into the
// cached collection at key: inserts append (idempotently, by id), updates
// replace, deletes remove. The collection is created on first insert when
// the key is not yet cached.
//
// Misconfiguration (nil registry, store, or transform) is a programmer
// error: it is logged loudly and degrades to a no-op.
func List[T model.Entity](reg *realtime.Registry, resource string, key cache.Key, store cache.Store, opts ListOptions[T]) realtime.UnsubscribeFunc {
	if reg == nil || store == nil || opts.Transform == nil {
		slog.Error("projection: List called before initialization",
			"resource", resource, "key", key.String(),
			"nil_registry", reg == nil, "nil_store", store == nil, "nil_transform", opts.Transform == nil)
		return func() {}
	}

	mutate := func(fn func(list []T) []T) {
		var list []T
		if cur, ok := store.Get(key); ok {
			// A foreign value under our key is treated as absent rather
			// than wedging the projection.
			list, _ = cur.([]T)
		}
		store.Set(key, fn(list))
	}

	return reg.Subscribe(resource, realtime.Handlers{
		OnInsert: func(rec map[string]interface{}) {
			e := opts.Transform(rec)
			mutate(func(list []T) []T { return applyInsert(list, e) })
		},
		OnUpdate: func(rec map[string]interface{}) {
			e := opts.Transform(rec)
			mutate(func(list []T) []T { return applyUpdate(list, e) })
		},
		OnDelete: func(rec map[string]interface{}) {
			e := opts.Transform(rec)
			mutate(func(list []T) []T { return applyDelete(list, e.GetID()) })
		},
	}, realtime.SubscribeOptions{Filter: opts.Filter})
}
