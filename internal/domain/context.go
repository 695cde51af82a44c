package domain

// Reserved field names on the wire-level evaluation context. Everything else
// is part of the user attribute bag.
const (
	TargetingKeyField = "targetingKey"
	VisitorInfoField  = "fsVisitorInfo"
)

// VisitorInfo carries consent and authentication hints supplied alongside the
// evaluation context. Consent is the only field the reconciler acts on; a nil
// HasConsented means "not specified".
type VisitorInfo struct {
	HasConsented    *bool
	IsAuthenticated *bool
}

// EvaluationContext describes the current subject. TargetingKey is the stable
// identity; an empty key means anonymous. Attributes is the raw, unfiltered
// bag — callers pass whatever they have, FilterAttributes decides what is
// forwarded downstream. Treated as immutable per call.
type EvaluationContext struct {
	TargetingKey string
	VisitorInfo  *VisitorInfo
	Attributes   map[string]any
}

// Consent returns the consent flag, or nil when it was not specified.
// Safe to call on a nil context.
func (c *EvaluationContext) Consent() *bool {
	if c == nil || c.VisitorInfo == nil {
		return nil
	}
	return c.VisitorInfo.HasConsented
}

// Identity returns the targeting key, or the empty string for a nil context.
func (c *EvaluationContext) Identity() string {
	if c == nil {
		return ""
	}
	return c.TargetingKey
}

// FilterAttributes produces the primitive-only attribute bag forwarded to the
// backend. Strings, booleans, and all numeric widths pass through; nil values,
// nested maps, slices, funcs, and anything else are silently dropped. This is
// a deliberate lossy filter, not an error condition.
func FilterAttributes(attrs map[string]any) map[string]any {
	filtered := make(map[string]any, len(attrs))
	for key, value := range attrs {
		switch value.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			filtered[key] = value
		}
	}
	return filtered
}
