// Package tracker is the storage and versioning engine of runelog. It owns
// the on-disk layout under a caller-chosen root directory, allocates
// experiment, run, and model-version identifiers, manages run lifecycle
// state, and guarantees registry version monotonicity.
//
// The filesystem is the single source of truth: nothing is cached between
// operations, every read re-derives state from disk, and the layout itself
// (.mlruns/ and .registry/) is a compatibility surface inspected and edited
// by external tooling.
//
// Mutations fall into two classes. Disjoint-key writes (run creation
// payloads, param/metric logging, artifact copies) target unique paths and
// need no coordination beyond the atomic metadata codec. Shared-counter
// writes (experiment ids, run ids, model versions, tag rewrites) are
// serialized through bounded-wait lock files scoped to the counter they
// protect.
package tracker
