package domain

import (
	"context"
	"log/slog"
	"time"
)

// BackendStatus is the process-wide initialization status of the flag
// backend. Initialization is attempted at most once per process.
type BackendStatus int

const (
	BackendNotInitialized BackendStatus = iota
	BackendInitializing
	BackendReady
	BackendFailed
)

func (s BackendStatus) String() string {
	switch s {
	case BackendNotInitialized:
		return "not_initialized"
	case BackendInitializing:
		return "initializing"
	case BackendReady:
		return "ready"
	case BackendFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetchStatus tracks the freshness of a visitor's flag decisions.
type FetchStatus int

const (
	// FetchRequired means cached decisions are stale and must be refreshed
	// before resolution is trustworthy.
	FetchRequired FetchStatus = iota
	Fetching
	Fetched
	// FetchPanic means the backend reported an unrecoverable state for this
	// visitor; decisions are cleared until the next successful fetch.
	FetchPanic
)

func (s FetchStatus) String() string {
	switch s {
	case FetchRequired:
		return "fetch_required"
	case Fetching:
		return "fetching"
	case Fetched:
		return "fetched"
	case FetchPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// ProviderStatus is the two-valued status exposed to callers of the provider.
type ProviderStatus int

const (
	StatusNotReady ProviderStatus = iota
	StatusReady
)

func (s ProviderStatus) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "not_ready"
}

// StartOptions configures backend startup. The reconciler always passes
// FetchNow false and triggers fetches explicitly; the remaining fields pass
// through to the backend implementation.
type StartOptions struct {
	FetchNow         bool
	APITimeout       time.Duration
	HitBatchSize     int
	HitFlushInterval time.Duration
	HitsPerSecond    float64
	Logger           *slog.Logger
}

// VisitorParams describes the visitor to create. An empty VisitorID requests
// an anonymous visitor; a nil HasConsented leaves the backend default in
// place. Context must already be filtered to primitives.
type VisitorParams struct {
	VisitorID    string
	HasConsented *bool
	Context      map[string]any
}

// Backend is the flag-management client capability contract.
type Backend interface {
	// Start performs one-time global initialization. Callers guard it with a
	// Status check; implementations tolerate repeated calls.
	Start(ctx context.Context, envID, apiKey string, opts StartOptions) error

	// Status reports the global initialization status.
	Status() BackendStatus

	// NewVisitor returns a fresh session handle. The handle starts
	// fetch-required until FetchFlags succeeds.
	NewVisitor(params VisitorParams) Visitor

	// Close tears down global resources. Expected once, at process end.
	Close(ctx context.Context) error
}

// Visitor is the live remote session handle. Exclusively owned by the
// reconciler; resolution only reads it.
type Visitor interface {
	ID() string
	HasConsented() bool
	FetchStatus() FetchStatus

	// FetchFlags refreshes flag decisions. Runs to completion or failure;
	// no retry is performed above this call.
	FetchFlags(ctx context.Context) error

	// UpdateContext applies an incremental patch of the attribute bag. The
	// backend decides whether the patch makes flag data stale.
	UpdateContext(attrs map[string]any)

	SetConsent(consented bool)

	// Flag looks up a decided flag by key, returning nil when unknown.
	Flag(key string) Flag
}

// Flag exposes one decided flag value. Value evaluates against the supplied
// default; the backend decides type coercion and falls back to the default on
// mismatch.
type Flag interface {
	Value(defaultValue any) any
	Metadata() FlagMetadata
}
