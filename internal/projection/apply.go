// Package projection turns registry listeners into cache mutations: it
// reconciles insert/update/delete events directly into keyed cache
// entries, by entity identity, with no invalidation round-trips.
package projection

import "livecache/pkg/model"

// applyInsert appends e unless an entity with the same id is already
// present. Duplicate delivery of the same insert is therefore a no-op
// after the first, which is the principal correctness property of the
// projection layer.
func applyInsert[T model.Entity](list []T, e T) []T {
	id := e.GetID()
	for _, cur := range list {
		if cur.GetID() == id {
			return list
		}
	}
	out := make([]T, len(list), len(list)+1)
	copy(out, list)
	return append(out, e)
}

// applyUpdate replaces the entity with a matching id. An update for an
// absent id is treated as an insert so an update racing ahead of its
// insert on the transport is not lost.
func applyUpdate[T model.Entity](list []T, e T) []T {
	id := e.GetID()
	for i, cur := range list {
		if cur.GetID() == id {
			out := make([]T, len(list))
			copy(out, list)
			out[i] = e
			return out
		}
	}
	return applyInsert(list, e)
}

// applyDelete removes the entity with a matching id, returning the list
// unchanged when no entity matches.
func applyDelete[T model.Entity](list []T, id string) []T {
	idx := -1
	for i, cur := range list {
		if cur.GetID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return list
	}
	out := make([]T, 0, len(list)-1)
	out = append(out, list[:idx]...)
	return append(out, list[idx+1:]...)
}
