// Package backend defines the capability interface every AI backend exposes
// to the router, the unified request/response types, and the classification
// of backend call errors into retryable and permanent failures.
//
// The router depends only on the Capability interface, never on concrete
// provider types.
package backend
