package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const (
	CodeInvalidRequest              = "invalid_request"
	CodeInvalidClient               = "invalid_client"
	CodeInvalidGrant                = "invalid_grant"
	CodeInvalidScope                = "invalid_scope"
	CodeUnauthorizedClient          = "unauthorized_client"
	CodeUnsupportedGrantType        = "unsupported_grant_type"
	CodeUnsupportedResponseType     = "unsupported_response_type"
	CodeInvalidRequestObject        = "invalid_request_object"
	CodeInvalidRequestURI           = "invalid_request_uri"
	CodeInvalidAuthorizationDetails = "invalid_authorization_details"
	CodeAuthorizationPending        = "authorization_pending"
	CodeExpiredToken                = "expired_token"
	CodeAccessDenied                = "access_denied"
	CodeUnknownUserID               = "unknown_user_id"
	CodeInvalidDPoPProof            = "invalid_dpop_proof"
	CodeUseDPoPNonce                = "use_dpop_nonce"
	CodeInvalidBindingMessage       = "invalid_binding_message"
	CodeServerError                 = "server_error"
)

// Error is the wire representation of every protocol failure. The status is
// not serialized; the cause is kept for logging only.
type Error struct {
	HttpStatus  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an internal error that is logged but never sent.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func NewError(status int, code string, format string, args ...any) *Error {
	return &Error{
		HttpStatus:  status,
		Code:        code,
		Description: fmt.Sprintf(format, args...),
	}
}

// ErrInvalidClient signals any client authentication failure.
func ErrInvalidClient(format string, args ...any) *Error {
	return NewError(http.StatusUnauthorized, CodeInvalidClient, format, args...)
}

func ErrInvalidRequest(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequest, format, args...)
}

func ErrInvalidAuthorizationDetails(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidAuthorizationDetails, format, args...)
}

func ErrUnsupportedGrantType(grantType string) *Error {
	return NewError(http.StatusBadRequest, CodeUnsupportedGrantType, "unsupported grant_type: '%s'", grantType)
}

func ErrUnsupportedRequestPattern(pattern string) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequest, "unsupported request pattern: %s", pattern)
}

func ErrUnsupportedClientAuthenticationMethod(method ClientAuthenticationMethod) *Error {
	return NewError(http.StatusBadRequest, CodeUnauthorizedClient, "unsupported client authentication method: '%s'", method)
}

func ErrInvalidGrant(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidGrant, format, args...)
}

func ErrInvalidScope(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidScope, format, args...)
}

func ErrUnauthorizedClient(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeUnauthorizedClient, format, args...)
}

func ErrUnsupportedResponseType(responseType string) *Error {
	return NewError(http.StatusBadRequest, CodeUnsupportedResponseType, "unsupported response_type: '%s'", responseType)
}

func ErrInvalidRequestObject(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequestObject, format, args...)
}

func ErrInvalidRequestURI(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequestURI, format, args...)
}

func ErrServerConfigurationNotFound(tenant string) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequest, "unknown tenant: '%s'", tenant)
}

func ErrClientConfigurationNotFound(clientID string) *Error {
	return NewError(http.StatusUnauthorized, CodeInvalidClient, "unknown client: '%s'", clientID)
}

func ErrAuthorizationPending() *Error {
	return NewError(http.StatusBadRequest, CodeAuthorizationPending, "authorization is pending")
}

func ErrExpiredToken() *Error {
	return NewError(http.StatusBadRequest, CodeExpiredToken, "auth_req_id has expired")
}

func ErrAccessDenied(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeAccessDenied, format, args...)
}

func ErrUnknownUserID(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeUnknownUserID, format, args...)
}

func ErrInvalidDPoPProof(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidDPoPProof, format, args...)
}

func ErrUseDPoPNonce() *Error {
	return NewError(http.StatusBadRequest, CodeUseDPoPNonce, "DPoP nonce is required")
}

func ErrInvalidBindingMessage(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidBindingMessage, format, args...)
}

// ErrServerError hides err from the client; the description is generic.
func ErrServerError(err error) *Error {
	return NewError(http.StatusInternalServerError, CodeServerError, "internal server error").WithCause(err)
}

// AsError returns err as protocol error. Anything that is not already one
// becomes a server_error.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError(err)
}

// RedirectError marks a failure that is delivered to the client's
// redirect_uri instead of being rendered as response body.
type RedirectError struct {
	Err          *Error
	RedirectURI  string
	State        string
	ResponseMode string
	// Response is a signed JARM response replacing the plain parameters.
	Response string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect to %s: %v", e.RedirectURI, e.Err)
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}
