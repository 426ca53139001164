// Package session houses concrete implementations of core.SessionStore. The
// interface itself (and the Session struct) live in the core package to
// centralize domain contracts; keeping only implementations here prevents
// higher level packages from depending on concrete storage.
//
// Two backends are provided: a process-local in-memory store for tests and
// ephemeral runs, and a SQLite-backed store whose sessions survive restarts.
// Additional backends (Postgres, Redis, ...) can be added without changing
// calling code; only the wiring layer decides which one to instantiate.
package session
