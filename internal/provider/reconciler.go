package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/flagbridge/flagbridge/internal/domain"
	"github.com/flagbridge/flagbridge/internal/metrics"
)

// handle pairs the live visitor with the targeting key it was created from.
// The creation-time key is what reconciliation compares against: an anonymous
// visitor keeps an empty identity here even when the backend assigned it a
// generated id.
type handle struct {
	visitor  domain.Visitor
	identity string
}

// Reconciler owns the single visitor handle and decides, on every context
// change, whether to create a new visitor, patch the existing one, toggle
// consent, and/or trigger a re-fetch.
type Reconciler struct {
	backend domain.Backend
	envID   string
	apiKey  string
	opts    domain.StartOptions
	onReady func()

	// current is replaced atomically so resolution sees either the old or
	// the new handle, never a partially constructed one.
	current atomic.Pointer[handle]
}

// NewReconciler creates a reconciler bound to the given backend. onReady is
// invoked once per successful Initialize, after the initial fetch completes;
// it may be nil.
func NewReconciler(backend domain.Backend, envID, apiKey string, opts domain.StartOptions, onReady func()) *Reconciler {
	return &Reconciler{
		backend: backend,
		envID:   envID,
		apiKey:  apiKey,
		opts:    opts,
		onReady: onReady,
	}
}

// CurrentVisitor returns the currently installed visitor handle, or nil when
// no visitor has been created yet.
func (r *Reconciler) CurrentVisitor() domain.Visitor {
	h := r.current.Load()
	if h == nil {
		return nil
	}
	return h.visitor
}

// Initialize performs the one-time backend start if needed, then
// unconditionally creates a fresh visitor for the given context, fetches its
// flags, and installs it as the current handle. A nil context is treated as
// an empty attribute bag with undefined consent and anonymous identity.
// Initialize never patches an existing handle.
func (r *Reconciler) Initialize(ctx context.Context, ec *domain.EvaluationContext) error {
	if r.backend.Status() == domain.BackendNotInitialized {
		opts := r.opts
		opts.FetchNow = false
		if opts.Logger == nil {
			opts.Logger = slog.Default().With("component", "flag-backend")
		}
		if err := r.backend.Start(ctx, r.envID, r.apiKey, opts); err != nil {
			return fmt.Errorf("start flag backend: %w", err)
		}
	}

	if err := r.createAndFetch(ctx, ec); err != nil {
		return err
	}

	if r.onReady != nil {
		r.onReady()
	}
	metrics.ReadyEventsTotal.Inc()
	return nil
}

// ReconcileContextChange brings the current visitor in line with newCtx. The
// old context is informational only: every decision compares newCtx against
// the current handle.
//
// At most one new handle is created and at most one fetch is performed per
// call. When the identity changed, the new handle is born with the new
// context baked in and no patch or consent call is made.
func (r *Reconciler) ReconcileContextChange(ctx context.Context, _, newCtx *domain.EvaluationContext) error {
	current := r.current.Load()

	if current == nil || current.identity != newCtx.Identity() {
		metrics.ReconciliationsTotal.WithLabelValues("identity").Inc()
		return r.createAndFetch(ctx, newCtx)
	}
	metrics.ReconciliationsTotal.WithLabelValues("patch").Inc()

	visitor := current.visitor
	if consent := newCtx.Consent(); consent != nil && *consent != visitor.HasConsented() {
		visitor.SetConsent(*consent)
		metrics.ConsentTogglesTotal.Inc()
	}

	var attrs map[string]any
	if newCtx != nil {
		attrs = newCtx.Attributes
	}
	visitor.UpdateContext(domain.FilterAttributes(attrs))

	// The backend decides whether the patch made flag data stale.
	if visitor.FetchStatus() == domain.FetchRequired {
		if err := visitor.FetchFlags(ctx); err != nil {
			return fmt.Errorf("refetch flags for visitor %q: %w", visitor.ID(), err)
		}
	}
	return nil
}

// Status projects the backend's global status onto the two-valued provider
// status. Recomputed on every call, never cached.
func (r *Reconciler) Status() domain.ProviderStatus {
	switch r.backend.Status() {
	case domain.BackendNotInitialized, domain.BackendInitializing:
		return domain.StatusNotReady
	default:
		return domain.StatusReady
	}
}

// Shutdown tears down backend global resources. It does not touch the
// current handle; no reconciliation or resolution call is valid afterwards.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	return r.backend.Close(ctx)
}

// createAndFetch builds a visitor from the context, fetches its flags, and
// installs it. The handle is only replaced after the fetch succeeds, so a
// failed fetch propagates without clobbering the previous handle.
func (r *Reconciler) createAndFetch(ctx context.Context, ec *domain.EvaluationContext) error {
	var attrs map[string]any
	if ec != nil {
		attrs = ec.Attributes
	}

	visitor := r.backend.NewVisitor(domain.VisitorParams{
		VisitorID:    ec.Identity(),
		HasConsented: ec.Consent(),
		Context:      domain.FilterAttributes(attrs),
	})

	if err := visitor.FetchFlags(ctx); err != nil {
		return fmt.Errorf("fetch flags for visitor %q: %w", visitor.ID(), err)
	}

	r.current.Store(&handle{visitor: visitor, identity: ec.Identity()})
	slog.Debug("Visitor handle installed", "visitor_id", visitor.ID(), "identity", ec.Identity())
	return nil
}
