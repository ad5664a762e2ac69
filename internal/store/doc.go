// Package store provides persistent storage for users, sessions, the
// instance ownership lock, gateway desired state, and status checks.
//
// The Store interface abstracts the persistence layer; SQLiteStore is the
// production implementation. Two records are singletons enforced by a
// CHECK (id = 1) constraint: the instance_owner lock and the gateway
// desired-state record. ClaimInstanceOwner is deliberately write-only:
// callers must re-read after claiming to learn who actually owns the lock.
package store
