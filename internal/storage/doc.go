// Package storage persists per-user timer state across restarts.
//
// Two backends are provided: a SQLite database and a dependency-free
// file backend built from a JSON snapshot plus an append-only journal.
// Both write synchronously on every mutation.
package storage
