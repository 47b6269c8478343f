package protocol

import (
	"slices"
	"strings"
)

// Field is one header line. Name keeps the casing it was given.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered header multi-map. Duplicates and casing are kept;
// lookups are case-insensitive.
type Header []Field

// Get returns the first value for name.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	return slices.ContainsFunc(h, func(f Field) bool { return strings.EqualFold(f.Name, name) })
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces the first occurrence of name in place and drops the rest,
// or appends when name is absent.
func (h *Header) Set(name, value string) {
	idx := slices.IndexFunc(*h, func(f Field) bool { return strings.EqualFold(f.Name, name) })
	if idx < 0 {
		h.Add(name, value)
		return
	}
	(*h)[idx].Value = value
	rest := slices.DeleteFunc((*h)[idx+1:], func(f Field) bool { return strings.EqualFold(f.Name, name) })
	*h = (*h)[:idx+1+len(rest)]
}

// Del removes every occurrence of name.
func (h *Header) Del(name string) {
	*h = slices.DeleteFunc(*h, func(f Field) bool { return strings.EqualFold(f.Name, name) })
}

// Clone returns a copy that shares no storage with h.
func (h Header) Clone() Header {
	return slices.Clone(h)
}
