package provider

import (
	"context"

	"github.com/flagbridge/flagbridge/internal/domain"
)

// --- Mock implementations ---

type mockFlag struct {
	value    any
	metadata domain.FlagMetadata
	valueFn  func(defaultValue any) any
}

func (m *mockFlag) Value(defaultValue any) any {
	if m.valueFn != nil {
		return m.valueFn(defaultValue)
	}
	return m.value
}

func (m *mockFlag) Metadata() domain.FlagMetadata {
	return m.metadata
}

type mockVisitor struct {
	id          string
	consented   bool
	fetchStatus domain.FetchStatus
	flags       map[string]domain.Flag

	fetchFn   func(ctx context.Context) error
	updateFn  func(attrs map[string]any)
	consentFn func(consented bool)

	fetchCalls   int
	updateCalls  []map[string]any
	consentCalls []bool
}

func (m *mockVisitor) ID() string                      { return m.id }
func (m *mockVisitor) HasConsented() bool              { return m.consented }
func (m *mockVisitor) FetchStatus() domain.FetchStatus { return m.fetchStatus }

func (m *mockVisitor) FetchFlags(ctx context.Context) error {
	m.fetchCalls++
	if m.fetchFn != nil {
		return m.fetchFn(ctx)
	}
	m.fetchStatus = domain.Fetched
	return nil
}

func (m *mockVisitor) UpdateContext(attrs map[string]any) {
	m.updateCalls = append(m.updateCalls, attrs)
	if m.updateFn != nil {
		m.updateFn(attrs)
	}
}

func (m *mockVisitor) SetConsent(consented bool) {
	m.consentCalls = append(m.consentCalls, consented)
	m.consented = consented
	if m.consentFn != nil {
		m.consentFn(consented)
	}
}

func (m *mockVisitor) Flag(key string) domain.Flag {
	f, ok := m.flags[key]
	if !ok {
		return nil
	}
	return f
}

type mockBackend struct {
	status         domain.BackendStatus
	startFn        func(ctx context.Context, envID, apiKey string, opts domain.StartOptions) error
	newVisitorHook func(v *mockVisitor)

	startCalls int
	startOpts  []domain.StartOptions
	created    []domain.VisitorParams
	visitors   []*mockVisitor
	closeCalls int
}

func (m *mockBackend) Start(ctx context.Context, envID, apiKey string, opts domain.StartOptions) error {
	m.startCalls++
	m.startOpts = append(m.startOpts, opts)
	if m.startFn != nil {
		return m.startFn(ctx, envID, apiKey, opts)
	}
	m.status = domain.BackendReady
	return nil
}

func (m *mockBackend) Status() domain.BackendStatus {
	return m.status
}

func (m *mockBackend) NewVisitor(params domain.VisitorParams) domain.Visitor {
	m.created = append(m.created, params)

	consented := true
	if params.HasConsented != nil {
		consented = *params.HasConsented
	}
	v := &mockVisitor{
		id:          params.VisitorID,
		consented:   consented,
		fetchStatus: domain.FetchRequired,
	}
	if m.newVisitorHook != nil {
		m.newVisitorHook(v)
	}
	m.visitors = append(m.visitors, v)
	return v
}

func (m *mockBackend) Close(context.Context) error {
	m.closeCalls++
	return nil
}

func boolPtr(b bool) *bool { return &b }
