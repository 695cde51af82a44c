package provider

import (
	"github.com/flagbridge/flagbridge/internal/domain"
	"github.com/flagbridge/flagbridge/internal/metrics"
)

// VisitorSource yields the currently installed visitor handle, or nil.
type VisitorSource interface {
	CurrentVisitor() domain.Visitor
}

// Resolver reads flag values from the current visitor handle. Resolution is
// synchronous and total: a missing handle, unknown key, or type mismatch
// degrades to the caller-supplied default and never returns an error.
type Resolver struct {
	source VisitorSource
}

func NewResolver(source VisitorSource) *Resolver {
	return &Resolver{source: source}
}

// ResolveBool resolves a boolean flag against the given default.
func (r *Resolver) ResolveBool(key string, defaultValue bool) domain.ResolutionDetails[bool] {
	value, md := r.lookup("bool", key, defaultValue)
	typed, ok := value.(bool)
	if !ok {
		typed = defaultValue
	}
	return domain.ResolutionDetails[bool]{Value: typed, Metadata: md}
}

// ResolveString resolves a string flag against the given default.
func (r *Resolver) ResolveString(key string, defaultValue string) domain.ResolutionDetails[string] {
	value, md := r.lookup("string", key, defaultValue)
	typed, ok := value.(string)
	if !ok {
		typed = defaultValue
	}
	return domain.ResolutionDetails[string]{Value: typed, Metadata: md}
}

// ResolveFloat resolves a numeric flag against the given default.
func (r *Resolver) ResolveFloat(key string, defaultValue float64) domain.ResolutionDetails[float64] {
	value, md := r.lookup("float", key, defaultValue)
	typed, ok := value.(float64)
	if !ok {
		typed = defaultValue
	}
	return domain.ResolutionDetails[float64]{Value: typed, Metadata: md}
}

// ResolveInt resolves an integer flag against the given default.
func (r *Resolver) ResolveInt(key string, defaultValue int64) domain.ResolutionDetails[int64] {
	value, md := r.lookup("int", key, defaultValue)
	typed, ok := value.(int64)
	if !ok {
		typed = defaultValue
	}
	return domain.ResolutionDetails[int64]{Value: typed, Metadata: md}
}

// ResolveObject resolves a structured flag against the given default.
func (r *Resolver) ResolveObject(key string, defaultValue map[string]any) domain.ResolutionDetails[map[string]any] {
	value, md := r.lookup("object", key, defaultValue)
	typed, ok := value.(map[string]any)
	if !ok {
		typed = defaultValue
	}
	return domain.ResolutionDetails[map[string]any]{Value: typed, Metadata: md}
}

// lookup finds the flag on the current handle and evaluates it against the
// default. Absence degrades to the default with nil metadata.
//
// A loosely-false evaluation result (nil, false, empty string, 0) is
// collapsed to the default as well. Callers therefore cannot distinguish
// "flag legitimately evaluated to false" from "flag missing"; the returned
// metadata is the only tell. Objects are exempt: an empty map is a real
// result and passes through. See DESIGN.md before changing it.
func (r *Resolver) lookup(flagType, key string, defaultValue any) (any, *domain.FlagMetadata) {
	visitor := r.source.CurrentVisitor()
	if visitor == nil {
		metrics.ResolutionsTotal.WithLabelValues(flagType, "default").Inc()
		return defaultValue, nil
	}

	flag := visitor.Flag(key)
	if flag == nil {
		metrics.ResolutionsTotal.WithLabelValues(flagType, "default").Inc()
		return defaultValue, nil
	}

	value := flag.Value(defaultValue)
	if isFalsy(value) {
		value = defaultValue
	}

	md := flag.Metadata()
	metrics.ResolutionsTotal.WithLabelValues(flagType, "evaluated").Inc()
	return value, &md
}

// isFalsy covers exactly the loosely-false scalar values: nil, false, the
// empty string, and numeric zero. Objects are never falsy, an empty map
// passes through as a legitimate evaluation result.
func isFalsy(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return v == ""
	case int:
		return v == 0
	case int64:
		return v == 0
	case float64:
		return v == 0
	default:
		return false
	}
}
