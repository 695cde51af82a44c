package provider

import (
	"context"
	"log/slog"

	"github.com/flagbridge/flagbridge/internal/domain"
)

// EventType identifies a provider lifecycle event.
type EventType string

// EventReady is emitted exactly once per successful Initialize, after the
// initial flag fetch completed.
const EventReady EventType = "ready"

// Event is a provider lifecycle notification.
type Event struct {
	Type EventType
}

const eventBuffer = 8

// Provider is the complete evaluation-context provider: lifecycle hooks,
// status, typed flag resolution, and a readiness event channel. It composes
// the reconciler (single writer of the visitor handle) with the resolver
// (concurrent readers).
type Provider struct {
	reconciler *Reconciler
	resolver   *Resolver
	events     chan Event
}

// New creates a provider on top of the given backend. envID and apiKey are
// forwarded to the backend on first Initialize.
func New(backend domain.Backend, envID, apiKey string, opts domain.StartOptions) *Provider {
	p := &Provider{events: make(chan Event, eventBuffer)}
	p.reconciler = NewReconciler(backend, envID, apiKey, opts, p.emitReady)
	p.resolver = NewResolver(p.reconciler)
	return p
}

// Initialize starts the backend if needed and installs the first visitor
// handle. Must complete before the first resolution is trustworthy.
func (p *Provider) Initialize(ctx context.Context, ec *domain.EvaluationContext) error {
	return p.reconciler.Initialize(ctx, ec)
}

// OnContextChange reconciles the visitor handle with the new context.
func (p *Provider) OnContextChange(ctx context.Context, oldCtx, newCtx *domain.EvaluationContext) error {
	return p.reconciler.ReconcileContextChange(ctx, oldCtx, newCtx)
}

// Status reports whether the provider is ready to serve evaluated flags.
func (p *Provider) Status() domain.ProviderStatus {
	return p.reconciler.Status()
}

// Shutdown tears down backend resources. Call at most once, at process end.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.reconciler.Shutdown(ctx)
}

// Events exposes the provider lifecycle event channel. Events are emitted
// non-blocking; a full buffer drops the event with a warning rather than
// stalling reconciliation.
func (p *Provider) Events() <-chan Event {
	return p.events
}

func (p *Provider) ResolveBool(key string, defaultValue bool) domain.ResolutionDetails[bool] {
	return p.resolver.ResolveBool(key, defaultValue)
}

func (p *Provider) ResolveString(key string, defaultValue string) domain.ResolutionDetails[string] {
	return p.resolver.ResolveString(key, defaultValue)
}

func (p *Provider) ResolveFloat(key string, defaultValue float64) domain.ResolutionDetails[float64] {
	return p.resolver.ResolveFloat(key, defaultValue)
}

func (p *Provider) ResolveInt(key string, defaultValue int64) domain.ResolutionDetails[int64] {
	return p.resolver.ResolveInt(key, defaultValue)
}

func (p *Provider) ResolveObject(key string, defaultValue map[string]any) domain.ResolutionDetails[map[string]any] {
	return p.resolver.ResolveObject(key, defaultValue)
}

func (p *Provider) emitReady() {
	select {
	case p.events <- Event{Type: EventReady}:
	default:
		slog.Warn("Provider event channel full, dropping event", "event", EventReady)
	}
}
