// Package storage provides the usage ledger interface shared across
// storage adapter implementations, plus sentinel errors.
//
// The ledger records per-account daily usage so quota windows survive
// process restarts. Adapters (memory, postgres) implement the Ledger
// interface defined here.
package storage
