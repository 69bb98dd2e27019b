// Package storage provides utilities shared across storage adapter
// implementations, including sentinel errors and tenant context helpers.
//
// The store interfaces are defined by their consumers: registry.Store,
// gate.WindowStore, audit.Store, and vault.Store. The memory and postgres
// subpackages implement all four.
package storage
