// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"

	// Routing-engine-specific codes, additional to the OpenAI-compatible set
	// above.
	CodeInsufficientCredits = "insufficient_credits"
	CodeModelUnknown        = "model_unknown"
	CodeNoProviderAvailable = "no_provider_available"
	CodePricingAnomaly      = "pricing_anomaly"
	CodeDeductionFailed     = "deduction_failed"
)

// InsufficientCreditsDetail carries the structured fields the 402 response
// body must include beyond the OpenAI error envelope: the balances CreditGuard
// compared, the shortfall, and — when one was computable — a max_tokens the
// caller could retry with instead.
type InsufficientCreditsDetail struct {
	CurrentCredits     string `json:"current_credits"`
	RequiredCredits    string `json:"required_credits"`
	CreditDeficit      string `json:"credit_deficit"`
	SuggestedMaxTokens int64  `json:"suggested_max_tokens,omitempty"`
	RequestedModel     string `json:"requested_model,omitempty"`
	RequestID          string `json:"request_id,omitempty"`
}

type insufficientCreditsEnvelope struct {
	Error struct {
		APIError
		InsufficientCreditsDetail
		Suggestions []string `json:"suggestions"`
	} `json:"error"`
}

// WriteInsufficientCredits writes a 402 error for a request that can't
// plausibly be afforded at reservation time, with the structured detail and
// ordered suggestions list callers can parse programmatically.
func WriteInsufficientCredits(ctx *fasthttp.RequestCtx, msg string, detail InsufficientCreditsDetail) {
	suggestions := []string{
		fmt.Sprintf("top up your balance by at least %s credits", detail.CreditDeficit),
	}
	if detail.SuggestedMaxTokens > 0 {
		suggestions = append(suggestions, fmt.Sprintf("retry with max_tokens<=%d", detail.SuggestedMaxTokens))
	}

	var env insufficientCreditsEnvelope
	env.Error.APIError = APIError{Message: msg, Type: TypeInvalidRequest, Code: CodeInsufficientCredits}
	env.Error.InsufficientCreditsDetail = detail
	env.Error.Suggestions = suggestions

	ctx.SetStatusCode(fasthttp.StatusPaymentRequired)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}

// WriteModelUnknown writes a 404 error for a canonical model id the
// registry has never heard of.
func WriteModelUnknown(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, "unknown model: "+model, TypeInvalidRequest, CodeModelUnknown)
}

// WriteNoProviderAvailable writes a 503 error for a model whose entire
// binding chain is disabled or circuit-broken.
func WriteNoProviderAvailable(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no healthy provider available for model: "+model, TypeProviderError, CodeNoProviderAvailable)
}

// WritePricingAnomaly writes a 502 error when a binding's configured price
// fails the pricing resolver's sanity bounds — served requests should never
// settle against a price nobody reviewed.
func WritePricingAnomaly(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeServerError, CodePricingAnomaly)
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not handled here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
