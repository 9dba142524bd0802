package statusapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeAdmin checks a static bearer token. An empty expected token
// disables the check.
func authorizeAdmin(authHeader, expected string) *authError {
	if expected == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "invalid admin token",
		}
	}
	return nil
}
