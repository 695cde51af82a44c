// Package provider implements the evaluation-context provider: the session
// reconciler that keeps the remote visitor consistent with the local
// evaluation context, and the resolution layer that reads flag values from
// the currently installed visitor handle.
//
// The reconciler is the single writer of the handle; resolution calls are
// synchronous readers and never block on network I/O. Callers are responsible
// for serializing Initialize and OnContextChange — concurrent un-awaited
// reconciliations race on handle replacement and the last write wins.
package provider
