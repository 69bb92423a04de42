package oauth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// AuthError reports a failed interaction with the token endpoint: an empty,
// invalid or expired authorization code, a revoked refresh token, or a
// network failure talking to the provider.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("oauth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Code returns the OAuth2 error code returned by the token endpoint, such as
// "invalid_grant", or "" when the failure did not come from the endpoint.
func (e *AuthError) Code() string {
	var re *oauth2.RetrieveError
	if errors.As(e.Err, &re) {
		return re.ErrorCode
	}
	return ""
}
