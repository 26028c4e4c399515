package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ggoodman/mcp-sse-go/auth"
	"github.com/ggoodman/mcp-sse-go/dispatch"
	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/ratelimit"
	"github.com/ggoodman/mcp-sse-go/sessions"
)

// MalformedError reports a request the client must fix before retrying.
type MalformedError struct {
	Detail string
}

func (e *MalformedError) Error() string { return "invalid request: " + e.Detail }

// Malformed returns a *MalformedError with a formatted detail.
func Malformed(format string, args ...any) error {
	return &MalformedError{Detail: fmt.Sprintf(format, args...)}
}

// Error is an HTTP rejection with a JSON-RPC error code.
type Error struct {
	Status     int
	Code       jsonrpc.ErrorCode
	Message    string
	RetryAfter int
	// Challenge is the error parameter of a 401's Bearer challenge; empty
	// for a bare challenge.
	Challenge string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s (%d)", e.Status, e.Message, e.Code)
}

// FromError classifies err into the rejection a client sees.
func FromError(err error) *Error {
	var (
		te  *Error
		rle *ratelimit.RateLimitError
		me  *MalformedError
	)
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, auth.ErrTokenMissing):
		return &Error{Status: http.StatusUnauthorized, Code: jsonrpc.ErrorCodeAuthentication, Message: "Authentication required"}
	case errors.Is(err, ErrMalformedAuthorization):
		return &Error{Status: http.StatusUnauthorized, Code: jsonrpc.ErrorCodeAuthentication, Message: "Invalid token", Challenge: "invalid_request"}
	case errors.Is(err, auth.ErrUnauthorized):
		return &Error{Status: http.StatusUnauthorized, Code: jsonrpc.ErrorCodeAuthentication, Message: "Invalid token", Challenge: "invalid_token"}
	case errors.As(err, &rle):
		return &Error{Status: http.StatusTooManyRequests, Code: jsonrpc.ErrorCodeRateLimited, Message: "Rate limit exceeded", RetryAfter: rle.RetryAfter}
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, sessions.ErrInvalidTransition):
		return &Error{Status: http.StatusNotFound, Code: jsonrpc.ErrorCodeSessionNotFound, Message: "Session not found"}
	case errors.As(err, &me):
		return &Error{Status: http.StatusBadRequest, Code: jsonrpc.ErrorCodeInvalidRequest, Message: "Invalid Request: " + me.Detail}
	case errors.Is(err, ratelimit.ErrStoreUnavailable), errors.Is(err, dispatch.ErrRunnerClosed), errors.Is(err, ErrClosed):
		return &Error{Status: http.StatusServiceUnavailable, Code: jsonrpc.ErrorCodeInternalError, Message: "Service unavailable"}
	default:
		return &Error{Status: http.StatusInternalServerError, Code: jsonrpc.ErrorCodeInternalError, Message: "Internal error"}
	}
}

type errorBody struct {
	Error errorObject `json:"error"`
}

type errorObject struct {
	Code    jsonrpc.ErrorCode `json:"code"`
	Message string            `json:"message"`
}

// Write renders e as {"error":{"code":..,"message":..}}. Rate-limit
// rejections carry Retry-After; 401s carry a Bearer challenge with realm
// when non-empty. Headers already set on w (deprecation signals) are kept.
func (e *Error) Write(w http.ResponseWriter, realm string) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	if e.Status == http.StatusUnauthorized {
		params := map[string]string{}
		if e.Challenge != "" {
			params["error"] = e.Challenge
			params["error_description"] = e.Message
		}
		w.Header().Set("WWW-Authenticate", BearerChallenge(realm, params))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorObject{Code: e.Code, Message: e.Message}})
}

// WriteError classifies err and writes it, returning the status written.
func WriteError(w http.ResponseWriter, err error, realm string) int {
	te := FromError(err)
	te.Write(w, realm)
	return te.Status
}

// BearerChallenge builds an RFC 6750 challenge:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted when empty. A request that carried no credential gets no
// error attribute.
func BearerChallenge(realm string, params map[string]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 1+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc.Replace(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
