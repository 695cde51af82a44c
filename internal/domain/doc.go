// Package domain holds the core types and ports of flagbridge.
//
// The provider layer owns the visitor lifecycle and depends only on the
// Backend, Visitor, and Flag interfaces defined here, never on a concrete
// backend implementation.
package domain
