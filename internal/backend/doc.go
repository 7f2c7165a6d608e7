// Package backend is the HTTP client for the external assistant execution
// service. The relay only consumes four operations: list assistants, check
// health, invoke, and the streaming variant of invoke.
package backend
