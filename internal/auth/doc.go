// Package auth provides identity verification for client handshakes.
// Verification is an injected capability of the gateway: either JWT (HS256,
// identity from the "sub" claim) or the explicit insecure dev-mode verifier
// that trusts the client-supplied user id.
package auth
