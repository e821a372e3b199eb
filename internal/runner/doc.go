// Package runner defines the data model shared by every layer of the
// fleet: provider kinds, image references, capability sets, lifecycle
// states, provider handles, and the error taxonomy.
//
// Values in this package are immutable once constructed.  A runner's
// image reference and capability set are fixed at creation and travel
// unchanged through the policy, driver, and ledger layers.
package runner
