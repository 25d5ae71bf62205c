// Package apierr encodes the fixed HTTP-boundary error envelope:
// {"error":{"message","type","param","code"}}, with a fixed code table
// instead of a free-form {"detail": ...} shape.
package apierr

import "github.com/gin-gonic/gin"

// Error is one API error, identified by its HTTP status and a stable code
// string from the fixed code table.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Named error constructors, one per stable error code.
var (
	BadRequest          = func(msg string) *Error { return New(400, "bad_request", msg) }
	ModelRequired       = func() *Error { return New(400, "model_required", "request omits model and path lacks /v1/models/{name}") }
	ProxyUnauthorized   = func() *Error { return New(401, "proxy_unauthorized", "missing or invalid X-Proxy-Token") }
	AdminUnauthorized   = func() *Error { return New(401, "admin_unauthorized", "missing or invalid X-Admin-Token") }
	APIKeyRequired      = func() *Error { return New(401, "api_key_required", "missing API key") }
	APIKeyInvalid       = func() *Error { return New(401, "api_key_invalid", "unknown API key") }
	BalanceInsufficient = func() *Error { return New(401, "balance_insufficient", "balance is insufficient") }
	NotFound            = func() *Error { return New(404, "not_found", "resource not found") }
	ModelNotFound       = func(model string) *Error { return New(404, "model_not_found", "no upstream advertises model "+model) }
	KeyNotFound         = func() *Error { return New(404, "key_not_found", "billing key not found") }
	MethodNotAllowed    = func() *Error { return New(405, "method_not_allowed", "method not allowed") }
	KeyExists           = func() *Error { return New(409, "key_exists", "billing key already exists") }
	BodyTooLarge        = func() *Error { return New(413, "body_too_large", "request body exceeds limit") }
	InternalError       = func(msg string) *Error { return New(500, "internal_error", msg) }
	BillingError        = func(msg string) *Error { return New(500, "billing_error", msg) }
	JSONError           = func(msg string) *Error { return New(500, "json", msg) }
	UpstreamError       = func(msg string) *Error { return New(502, "upstream_error", msg) }
	BodyReadError       = func(msg string) *Error { return New(502, "body_read_error", msg) }
	InvalidUpstreamURI  = func(msg string) *Error { return New(502, "invalid_upstream_uri", msg) }
	ModelUnavailable    = func(model string) *Error { return New(503, "model_unavailable", "no eligible upstream and credential for model "+model) }
	UpstreamTimeout     = func() *Error { return New(504, "upstream_timeout", "round trip exceeded deadline") }
)

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
}

// Write sends the error envelope with the error's HTTP status.
func Write(c *gin.Context, err *Error) {
	c.AbortWithStatusJSON(err.Status, envelope{Error: envelopeBody{
		Message: err.Message,
		Type:    "proxy_error",
		Param:   nil,
		Code:    err.Code,
	}})
}
