package transport

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-sse-go/auth"
)

const (
	// TokenQueryParam carries the credential for clients that cannot set
	// headers, such as browser EventSource.
	TokenQueryParam = "token"

	authorizationHeader = "Authorization"
	bearerPrefix        = "bearer "
)

// ErrMalformedAuthorization is returned for an Authorization header that is
// not a non-empty bearer credential.
var ErrMalformedAuthorization = fmt.Errorf("%w: malformed bearer authorization header", auth.ErrUnauthorized)

// ExtractToken returns the request's bearer credential. The token query
// parameter takes precedence over the Authorization header. A request with
// neither yields auth.ErrTokenMissing.
func ExtractToken(r *http.Request) (string, error) {
	if tok := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); tok != "" {
		return tok, nil
	}

	h := r.Header.Get(authorizationHeader)
	if h == "" {
		return "", auth.ErrTokenMissing
	}
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMalformedAuthorization
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	if tok == "" {
		return "", ErrMalformedAuthorization
	}
	return tok, nil
}
