package transport

import (
	"fmt"
	"strings"
)

// Filter is a parsed "field=eq.value" row filter. Only equality is
// supported; that is all the subject-per-resource transports can narrow
// client side without a query engine.
type Filter struct {
	Field string
	Op    string
	Value string
}

// ParseFilter parses a filter of the form "field=eq.value".
func ParseFilter(s string) (Filter, error) {
	field, rest, ok := strings.Cut(s, "=")
	if !ok || field == "" {
		return Filter{}, fmt.Errorf("transport: malformed filter %q", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("transport: malformed filter %q", s)
	}
	if op != "eq" {
		return Filter{}, fmt.Errorf("transport: unsupported filter op %q", op)
	}
	return Filter{Field: field, Op: op, Value: value}, nil
}

// Match evaluates the filter against a record. Values are compared via
// their string form so numeric ids survive JSON round-trips.
func (f Filter) Match(record map[string]interface{}) bool {
	v, ok := record[f.Field]
	if !ok {
		return false
	}
	switch tv := v.(type) {
	case string:
		return tv == f.Value
	default:
		return fmt.Sprintf("%v", tv) == f.Value
	}
}

// MatchEvent evaluates the filter against the event's effective record:
// the new state for inserts and updates, the prior state for deletes.
func (f Filter) MatchEvent(evt ChangeEvent) bool {
	if evt.Type == EventDelete {
		return f.Match(evt.OldRecord)
	}
	return f.Match(evt.Record)
}
