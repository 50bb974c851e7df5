package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/inference"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// dispatchChatViaInference is dispatchChat's routing-engine path: it
// authenticates the caller, builds a domain.RequestContext, and delegates
// resolution/rate-limit/credit/failover/settlement entirely to
// internal/inference.Handler.Execute. Cache lookup/population and response
// envelope construction stay here since they are HTTP/OpenAI-format
// concerns the handler has no opinion about.
func (g *Gateway) dispatchChatViaInference(
	ctx *fasthttp.RequestCtx,
	reqID, clientKey string,
	req inboundRequest,
	route string,
	start time.Time,
	reqBytes int,
	servedProvider, cacheLabel *string,
	inputTokens, outputTokens *int,
	streaming *bool,
	respBytes *int,
) {
	user, err := g.authn.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, err.Error(), apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
		APIKey:      clientKey,
		APIKeyID:    user.APIKeyID,
	}

	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if cacheEligible {
		cacheKey := buildCacheKey(proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			*cacheLabel = "hit"
			*respBytes = len(cachedBody)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)
			g.logRequest(reqID, *servedProvider, req.Model, 0, 0, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		*cacheLabel = "miss"
	}

	rc := domain.RequestContext{
		RequestID:         reqID,
		User:              user,
		CanonicalID:       req.Model,
		Modality:          domain.ModalityChat,
		Stream:            req.Stream,
		PreferredProvider: req.Provider,
		StartedAt:         start,
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	result, err := g.infer.Execute(provCtx, rc, proxyReq)
	if err != nil {
		writeInferenceError(ctx, req.Model, err)
		g.logRequest(reqID, *servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	*servedProvider = result.ProviderSlug
	resp := result.Response

	// TODO: for a true streamed response, resp.Usage is whatever the
	// provider returned synchronously (commonly zero) since the stream has
	// not drained yet — Handler.attempt already settled against that
	// figure. A follow-up settlement against the real token count writeSSE
	// observes at drain time is not yet wired.
	if req.Stream && resp.Stream != nil {
		*streaming = true
		capturedStart, capturedReqBytes, capturedRoute, capturedProvider := start, reqBytes, route, result.ProviderSlug
		writeSSE(ctx, resp, func(outTokens int) {
			g.logRequest(reqID, capturedProvider, resp.Model, 0, outTokens, time.Since(capturedStart), fasthttp.StatusOK, false)
			if g.metrics != nil {
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(capturedProvider, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(capturedProvider, capturedRoute, 0, outTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if cacheEligible {
		cacheKey := buildCacheKey(proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil && g.metrics != nil {
			g.metrics.CacheSetError()
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	*inputTokens = resp.Usage.InputTokens
	*outputTokens = resp.Usage.OutputTokens
	g.logRequest(reqID, result.ProviderSlug, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", result.ProviderSlug),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	*respBytes = len(body)
}

// writeInferenceError maps an internal/inference error to the appropriate
// structured API error and HTTP status.
func writeInferenceError(ctx *fasthttp.RequestCtx, model string, err error) {
	var insufficient *credit.ErrInsufficientCredits
	var rateLimited *inference.ErrRateLimited

	switch {
	case errors.Is(err, inference.ErrModelUnknown):
		apierr.WriteModelUnknown(ctx, model)
	case errors.Is(err, inference.ErrNoProviderAvailable):
		apierr.WriteNoProviderAvailable(ctx, model)
	case errors.As(err, &insufficient):
		apierr.WriteInsufficientCredits(ctx, err.Error(), apierr.InsufficientCreditsDetail{
			CurrentCredits:     insufficient.CurrentCredits.String(),
			RequiredCredits:    insufficient.RequiredCredits.String(),
			CreditDeficit:      insufficient.CreditDeficit.String(),
			SuggestedMaxTokens: insufficient.SuggestedMaxTokens,
			RequestedModel:     insufficient.RequestedModel,
			RequestID:          insufficient.RequestID,
		})
	case errors.As(err, &rateLimited):
		apierr.WriteRateLimit(ctx)
	case errors.As(err, new(providers.StatusCoder)):
		handleProviderError(ctx, err)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, fmt.Sprintf("provider error: %s", err.Error()), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}
