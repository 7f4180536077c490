// Package locktree implements a non-blocking range-lock manager for an
// embedded transactional key-value engine.
//
// A Manager owns one Table per resource (dictionary). Transactions ask for
// READ or WRITE locks on key intervals; every request is granted or denied
// immediately. The Manager enforces a global budget on the number of lock
// records and their memory, and escalates (coarsens) lock records when a
// request would exceed it. Once an internal inconsistency is detected the
// Manager turns FATAL and refuses every further call.
package locktree
