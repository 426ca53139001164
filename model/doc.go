// Package model defines the provider-neutral generation interface plus the
// retry policy wrapper applied to real providers. Concrete providers live in
// the openai and anthropic subpackages; ScriptedModel serves tests and
// examples.
package model
