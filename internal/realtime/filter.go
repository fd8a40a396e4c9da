package realtime

import (
	"livecache/internal/transport"
	"livecache/pkg/model"
)

// FilterPolicy decides whether a row filter may be passed to the
// transport. Returning false makes Subscribe skip the channel silently
// (the feature degrades to no realtime updates) instead of letting the
// transport reject it and churn.
type FilterPolicy func(filter string) bool

// identityFields are owner/actor reference columns whose filter values
// must be canonical identifiers. Ad-hoc ids written before the
// identifier migration still exist in old rows; the hosted transport
// rejects them, so they are screened out here.
var identityFields = map[string]struct{}{
	"user_id":    {},
	"owner_id":   {},
	"coach_id":   {},
	"client_id":  {},
	"created_by": {},
}

// DefaultFilterPolicy accepts empty filters, any parseable filter on a
// non-identity field, and identity-field filters whose value is not a
// legacy ad-hoc identifier.
func DefaultFilterPolicy(filter string) bool {
	if filter == "" {
		return true
	}
	f, err := transport.ParseFilter(filter)
	if err != nil {
		return false
	}
	if _, ok := identityFields[f.Field]; !ok {
		return true
	}
	return !model.IsLegacyID(f.Value)
}

// AcceptAllFilters is the policy for fresh systems with no legacy data.
func AcceptAllFilters(string) bool { return true }
