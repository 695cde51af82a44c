package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagbridge/flagbridge/internal/domain"
)

func newTestReconciler(backend *mockBackend) *Reconciler {
	return NewReconciler(backend, "env-123", "api-key", domain.StartOptions{}, nil)
}

func TestInitialize_StartsBackendExactlyOnce(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), nil))
	require.NoError(t, r.Initialize(context.Background(), nil))

	assert.Equal(t, 1, backend.startCalls, "backend must be started at most once")
	assert.Len(t, backend.created, 2, "every Initialize creates a fresh visitor")
}

func TestInitialize_DisablesAutomaticFetching(t *testing.T) {
	backend := &mockBackend{}
	r := NewReconciler(backend, "env-123", "api-key", domain.StartOptions{FetchNow: true}, nil)

	require.NoError(t, r.Initialize(context.Background(), nil))

	require.Len(t, backend.startOpts, 1)
	assert.False(t, backend.startOpts[0].FetchNow, "reconciler always triggers fetches explicitly")
	assert.NotNil(t, backend.startOpts[0].Logger, "a log sink is always installed")
}

func TestInitialize_CreatesVisitorFromContext(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	ec := &domain.EvaluationContext{
		TargetingKey: "user-123",
		VisitorInfo:  &domain.VisitorInfo{HasConsented: boolPtr(true)},
		Attributes: map[string]any{
			"age":    30,
			"nested": map[string]any{"dropped": true},
		},
	}
	require.NoError(t, r.Initialize(context.Background(), ec))

	require.Len(t, backend.created, 1)
	params := backend.created[0]
	assert.Equal(t, "user-123", params.VisitorID)
	require.NotNil(t, params.HasConsented)
	assert.True(t, *params.HasConsented)
	assert.Equal(t, map[string]any{"age": 30}, params.Context, "non-primitive attributes are dropped")

	visitor := backend.visitors[0]
	assert.Equal(t, 1, visitor.fetchCalls, "exactly one fetch per create")
	assert.Empty(t, visitor.updateCalls, "Initialize never patches")
	assert.Empty(t, visitor.consentCalls, "consent is baked into the new visitor")
}

func TestInitialize_NilContextMeansAnonymous(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), nil))

	require.Len(t, backend.created, 1)
	params := backend.created[0]
	assert.Empty(t, params.VisitorID)
	assert.Nil(t, params.HasConsented)
	assert.Empty(t, params.Context)
}

func TestInitialize_FetchFailureLeavesNoHandle(t *testing.T) {
	fetchErr := errors.New("network down")
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	ready := 0
	r.onReady = func() { ready++ }

	backend.newVisitorHook = func(v *mockVisitor) {
		v.fetchFn = func(context.Context) error { return fetchErr }
	}
	err := r.Initialize(context.Background(), nil)

	require.ErrorIs(t, err, fetchErr)
	assert.Nil(t, r.CurrentVisitor())
	assert.Zero(t, ready, "no ready signal on failed initialization")
}

func TestReconcile_SameIdentityPatchesInPlace(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{
		TargetingKey: "user-123",
		VisitorInfo:  &domain.VisitorInfo{HasConsented: boolPtr(true)},
		Attributes:   map[string]any{"age": 30},
	}))

	newCtx := &domain.EvaluationContext{
		TargetingKey: "user-123",
		Attributes:   map[string]any{"age": 31},
	}
	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, newCtx))

	assert.Len(t, backend.created, 1, "identity unchanged, no new handle")
	visitor := backend.visitors[0]
	require.Len(t, visitor.updateCalls, 1)
	assert.Equal(t, map[string]any{"age": 31}, visitor.updateCalls[0])
	assert.Empty(t, visitor.consentCalls, "consent untouched")
	assert.Equal(t, 1, visitor.fetchCalls, "no re-fetch unless the backend marks fetch-required")
}

func TestReconcile_IdentityChangeCreatesFreshHandle(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{
		TargetingKey: "user-123",
		Attributes:   map[string]any{"age": 30},
	}))

	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, &domain.EvaluationContext{
		TargetingKey: "user-456",
	}))

	require.Len(t, backend.created, 2, "exactly one new handle")
	assert.Equal(t, "user-456", backend.created[1].VisitorID)
	assert.Empty(t, backend.created[1].Context)

	oldVisitor, newVisitor := backend.visitors[0], backend.visitors[1]
	assert.Equal(t, 1, newVisitor.fetchCalls, "exactly one fetch for the new handle")
	assert.Empty(t, oldVisitor.updateCalls, "no patch on the discarded handle")
	assert.Empty(t, oldVisitor.consentCalls)
	assert.Empty(t, newVisitor.updateCalls, "new handle is born with the context baked in")
	assert.Empty(t, newVisitor.consentCalls)

	assert.Same(t, domainVisitor(newVisitor), r.CurrentVisitor())
}

func TestReconcile_NoHandleYetCountsAsIdentityChange(t *testing.T) {
	backend := &mockBackend{status: domain.BackendReady}
	r := newTestReconciler(backend)

	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, &domain.EvaluationContext{
		TargetingKey: "user-123",
	}))

	require.Len(t, backend.created, 1)
	assert.Equal(t, "user-123", backend.created[0].VisitorID)
	assert.Equal(t, 1, backend.visitors[0].fetchCalls)
}

func TestReconcile_ConsentToggleAppliedOnce(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{
		TargetingKey: "user-123",
		VisitorInfo:  &domain.VisitorInfo{HasConsented: boolPtr(true)},
	}))

	withdrawn := &domain.EvaluationContext{
		TargetingKey: "user-123",
		VisitorInfo:  &domain.VisitorInfo{HasConsented: boolPtr(false)},
	}
	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, withdrawn))
	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, withdrawn))

	visitor := backend.visitors[0]
	assert.Equal(t, []bool{false}, visitor.consentCalls, "consent set exactly once with the new value")
	assert.Equal(t, 1, visitor.fetchCalls, "no fetch unless the backend marks fetch-required")
}

func TestReconcile_UndefinedConsentLeavesVisitorAlone(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{
		TargetingKey: "user-123",
		VisitorInfo:  &domain.VisitorInfo{HasConsented: boolPtr(false)},
	}))

	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, &domain.EvaluationContext{
		TargetingKey: "user-123",
	}))

	assert.Empty(t, backend.visitors[0].consentCalls)
}

func TestReconcile_ConsentAppliedBeforePatch(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{
		TargetingKey: "user-123",
		VisitorInfo:  &domain.VisitorInfo{HasConsented: boolPtr(true)},
	}))

	var ops []string
	visitor := backend.visitors[0]
	visitor.consentFn = func(bool) { ops = append(ops, "consent") }
	visitor.updateFn = func(map[string]any) { ops = append(ops, "update") }

	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, &domain.EvaluationContext{
		TargetingKey: "user-123",
		VisitorInfo:  &domain.VisitorInfo{HasConsented: boolPtr(false)},
		Attributes:   map[string]any{"plan": "pro"},
	}))

	assert.Equal(t, []string{"consent", "update"}, ops)
}

func TestReconcile_FetchesWhenBackendMarksRequired(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{
		TargetingKey: "user-123",
	}))

	visitor := backend.visitors[0]
	visitor.updateFn = func(map[string]any) { visitor.fetchStatus = domain.FetchRequired }

	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, &domain.EvaluationContext{
		TargetingKey: "user-123",
		Attributes:   map[string]any{"plan": "pro"},
	}))

	assert.Equal(t, 2, visitor.fetchCalls, "stale flags are re-fetched before returning")
	assert.Equal(t, domain.Fetched, visitor.fetchStatus)
}

func TestReconcile_EmptyContextIsAnonymousIdentityChange(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{
		TargetingKey: "user-123",
	}))

	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, &domain.EvaluationContext{}))
	require.Len(t, backend.created, 2, "non-anonymous to anonymous is an identity change")
	assert.Empty(t, backend.created[1].VisitorID)

	// Anonymous to anonymous is not an identity change.
	require.NoError(t, r.ReconcileContextChange(context.Background(), nil, &domain.EvaluationContext{}))
	assert.Len(t, backend.created, 2)
}

func TestStatus_ProjectsBackendStatus(t *testing.T) {
	tests := []struct {
		name    string
		backend domain.BackendStatus
		want    domain.ProviderStatus
	}{
		{"not initialized", domain.BackendNotInitialized, domain.StatusNotReady},
		{"initializing", domain.BackendInitializing, domain.StatusNotReady},
		{"ready", domain.BackendReady, domain.StatusReady},
		{"failed", domain.BackendFailed, domain.StatusReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{status: tt.backend}
			r := newTestReconciler(backend)
			assert.Equal(t, tt.want, r.Status())
		})
	}
}

func TestShutdown_ClosesBackendAndKeepsHandle(t *testing.T) {
	backend := &mockBackend{}
	r := newTestReconciler(backend)

	require.NoError(t, r.Initialize(context.Background(), &domain.EvaluationContext{TargetingKey: "user-123"}))
	require.NoError(t, r.Shutdown(context.Background()))

	assert.Equal(t, 1, backend.closeCalls)
	assert.NotNil(t, r.CurrentVisitor(), "shutdown does not touch the handle")
}

// domainVisitor is a typed helper for asserting handle identity.
func domainVisitor(v *mockVisitor) domain.Visitor { return v }
