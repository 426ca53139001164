// Package testutil provides fluent builders for assembling events and
// sessions in tests without repeating constructor boilerplate.
package testutil
