// Package auth resolves bearer tokens into a UserContext for the SSE
// transport.
//
// The public surface stays small: a TokenValidator validates an incoming
// token string and returns a UserContext (or an error). The transport is
// responsible for extracting the token from the HTTP request and mapping
// sentinel errors into protocol-specific error bodies.
//
// # Validators
//
// UpstreamValidator asks the task REST API who the token belongs to by
// calling its identity endpoint. JWTValidator verifies RFC 9068 access tokens
// locally using OpenID Connect discovery or a static JWKS URI. FileValidator
// reads a YAML token table and reloads it when the file changes, which suits
// development setups and service accounts.
//
// Chain tries validators in order, and CachingValidator memoizes successful
// validations in a storage.Storage so repeated requests with the same token do
// not hit the upstream on every call.
//
// Example:
//
//	up, err := auth.NewUpstreamValidator("https://tasks.example.com/api")
//	if err != nil { log.Fatal(err) }
//	v := auth.NewCachingValidator(up, store, auth.WithCacheTTL(time.Minute))
//
//	user, err := v.ValidateToken(ctx, token)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//
// # Errors
//
// ErrUnauthorized signals the token is invalid. ErrTokenMissing wraps it for
// the case where no token was supplied at all. Other errors indicate that a
// dependency (upstream API, JWKS endpoint, cache) failed and must not be
// reported to the client as an authentication problem.
package auth
