// Package registry caches the backend's assistant catalog and tracks each
// assistant's advisory health. Refresh replaces the whole set atomically;
// when the backend is unreachable the last-known-good catalog keeps serving.
package registry
