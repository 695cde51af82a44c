package decision

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/flagbridge/flagbridge/internal/adapter/hits"
	"github.com/flagbridge/flagbridge/internal/domain"
)

// visitor is the live session handle for one subject. The reconciler is the
// only writer; flag resolution reads it concurrently, so all state is guarded
// by mu.
type visitor struct {
	client *Client
	// dispatcher is captured at creation time, under the client mutex, so
	// hit tracking never races the client's own state.
	dispatcher *hits.Dispatcher
	id         string
	anonymous  bool

	mu          sync.RWMutex
	consented   bool
	attrs       map[string]any
	flags       map[string]flagState
	fetchStatus domain.FetchStatus
}

var _ domain.Visitor = (*visitor)(nil)

type flagState struct {
	value    any
	metadata domain.FlagMetadata
}

func (v *visitor) ID() string { return v.id }

func (v *visitor) HasConsented() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.consented
}

func (v *visitor) FetchStatus() domain.FetchStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fetchStatus
}

// FetchFlags refreshes flag decisions from the decision API. A panic response
// clears the decided flags and parks the handle in FetchPanic until the next
// successful fetch. On request failure the handle stays fetch-required and
// the error propagates unretried to the caller.
func (v *visitor) FetchFlags(ctx context.Context) error {
	v.mu.Lock()
	v.fetchStatus = domain.Fetching
	req := campaignsRequest{
		VisitorID:      v.id,
		Context:        cloneAttrs(v.attrs),
		VisitorConsent: v.consented,
	}
	v.mu.Unlock()

	resp, err := v.client.fetchCampaigns(ctx, req)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err != nil {
		v.fetchStatus = domain.FetchRequired
		return fmt.Errorf("fetch flags for visitor %q: %w", v.id, err)
	}

	if resp.Panic {
		v.flags = nil
		v.fetchStatus = domain.FetchPanic
		v.client.logger.Warn("Decision platform in panic mode, flags cleared", "visitor_id", v.id)
		return nil
	}

	v.flags = buildFlags(resp)
	v.fetchStatus = domain.Fetched
	return nil
}

// UpdateContext merges the attribute patch into the bag. Flag data becomes
// stale only when a value actually changed; a no-op patch keeps the current
// fetch status. Values compare by interface equality, so a numeric value
// arriving in a different width counts as a change.
func (v *visitor) UpdateContext(attrs map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	changed := false
	for key, value := range attrs {
		if existing, ok := v.attrs[key]; ok && existing == value {
			continue
		}
		v.attrs[key] = value
		changed = true
	}

	if changed && v.fetchStatus != domain.Fetching {
		v.fetchStatus = domain.FetchRequired
	}
}

// SetConsent records the consent flag and reports it to the hit dispatcher,
// which purges queued hits on withdrawal.
func (v *visitor) SetConsent(consented bool) {
	v.mu.Lock()
	if v.consented == consented {
		v.mu.Unlock()
		return
	}
	v.consented = consented
	v.mu.Unlock()

	if d := v.dispatcher; d != nil {
		d.SetConsent(v.id, consented)
		d.Enqueue(hits.Hit{
			Type:      hits.TypeConsent,
			VisitorID: v.id,
			Consented: &consented,
		})
	}
}

func (v *visitor) Flag(key string) domain.Flag {
	v.mu.RLock()
	defer v.mu.RUnlock()

	state, ok := v.flags[key]
	if !ok {
		return nil
	}
	return &flagValue{visitor: v, key: key, state: state}
}

// flagValue is one decided flag, frozen at lookup time.
type flagValue struct {
	visitor *visitor
	key     string
	state   flagState
}

// Value evaluates the decided value against the default. A type mismatch
// falls back to the default without recording an exposure; a successful
// evaluation enqueues an exposure hit.
func (f *flagValue) Value(defaultValue any) any {
	value, ok := coerce(f.state.value, defaultValue)
	if !ok {
		return defaultValue
	}
	f.visitor.trackExposure(f.key, f.state.metadata)
	return value
}

func (f *flagValue) Metadata() domain.FlagMetadata {
	return f.state.metadata
}

func (v *visitor) trackExposure(key string, md domain.FlagMetadata) {
	if d := v.dispatcher; d != nil {
		d.Enqueue(hits.Hit{
			Type:        hits.TypeExposure,
			VisitorID:   v.id,
			FlagKey:     key,
			CampaignID:  md.CampaignID,
			VariationID: md.VariationID,
		})
	}
}

func buildFlags(resp *campaignsResponse) map[string]flagState {
	flags := make(map[string]flagState)
	for _, c := range resp.Campaigns {
		md := domain.FlagMetadata{
			Slug:             c.Slug,
			CampaignID:       c.ID,
			CampaignType:     c.Type,
			VariationGroupID: c.VariationGroupID,
			VariationID:      c.Variation.ID,
			IsReference:      c.Variation.Reference,
		}
		for key, value := range c.Variation.Modifications.Value {
			flags[key] = flagState{value: value, metadata: md}
		}
	}
	return flags
}

// coerce matches the decided value against the default's type. Numeric
// widths interchange; integer defaults accept integral floats (JSON numbers
// decode as float64).
func coerce(raw, defaultValue any) (any, bool) {
	switch defaultValue.(type) {
	case nil:
		return raw, true
	case bool:
		b, ok := raw.(bool)
		return b, ok
	case string:
		s, ok := raw.(string)
		return s, ok
	case float64:
		return toFloat64(raw)
	case int, int64:
		return toInt64(raw)
	case map[string]any:
		m, ok := raw.(map[string]any)
		return m, ok
	default:
		if raw != nil && reflect.TypeOf(raw) == reflect.TypeOf(defaultValue) {
			return raw, true
		}
		return nil, false
	}
}

func toFloat64(raw any) (any, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return nil, false
	}
}

func toInt64(raw any) (any, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return nil, false
	default:
		return nil, false
	}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
