// Package cache provides the namespaced, versioned store that holds agent
// output.
//
// # Overview
//
// Agents produce sets of Entry values. Each Entry is addressed by a stable
// Key (type + identifier) within a namespace, so re-running an agent
// overwrites rather than duplicates. Every write by an agent produces a new
// Generation; readers see either the whole previous generation or the whole
// new one for each type, never a mixture.
//
// # Write semantics
//
// Store.Write(namespace, agentID, entries) replaces, for each entry type
// present in entries, the set previously written by agentID. Types absent
// from the run are left untouched, so an agent that emits a subset of types
// never wipes types owned by other agents (or its own types it did not emit
// this time).
//
// The cache is written only by the agent currently holding that agent's
// lock (see package lock), which gives single-writer semantics per
// (namespace, agentID) without locking inside the store.
//
// # Redis schema
//
// All keys are prefixed with burrow:{namespace}.
//
//	Generation data:   burrow:{ns}:data:{agent}:{type}:{seq}   hash id -> entry JSON
//	Current pointers:  burrow:{ns}:current:{type}             hash agent -> "seq:writtenAtMs"
//	Agent manifest:    burrow:{ns}:manifest:{agent}           hash type -> "seq:writtenAtMs"
//	Sequence counter:  burrow:{ns}:seq:{agent}                string
//
// Generation data is immutable once the pointers reference it. A write
// stages the new generation's data, then flips every pointer for the run in
// one MULTI/EXEC. Superseded generations expire after a grace period so
// readers that are mid-iteration can finish.
//
// # Errors
//
// Operations the backend cannot perform (reserved characters in a type
// name, types outside the configured index set, attribute values that
// cannot be serialized) return a fault.KindUnsupportedOperation error so
// callers can tell configuration errors from transient faults. Missing
// entries return ErrNotFound; use IsNotFound to check.
package cache
