// Package gateway wires the response cache and dispatcher into the
// single-request facade consumed by the HTTP front end, translating
// core errors into the HTTP-shaped outcomes of spec.md §7.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nodegw/gateway/internal/cache"
	"github.com/nodegw/gateway/internal/dispatch"
	"github.com/nodegw/gateway/internal/jsonrpc"
	"github.com/nodegw/gateway/internal/upstream"
)

// Outcome is the result of handling one request, already resolved to
// the HTTP status the front end should report.
type Outcome struct {
	Body       []byte
	StatusCode int
}

// Gateway is the facade: cache.Get → (hit: return) | (miss:
// dispatcher.Forward → cache.Put) → error translation.
type Gateway struct {
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
}

// New builds a Gateway over the given cache and dispatcher.
func New(c *cache.Cache, d *dispatch.Dispatcher) *Gateway {
	return &Gateway{cache: c, dispatcher: d}
}

// Handle decodes rawRequest, serves it from cache on a hit, otherwise
// forwards it through the dispatcher and populates the cache on a
// cacheable success.
func (g *Gateway) Handle(ctx context.Context, rawRequest []byte) Outcome {
	req, err := jsonrpc.DecodeRequest(rawRequest)
	if err != nil {
		zap.L().Debug("malformed client request", zap.Error(err))

		resp := jsonrpc.NewErrorResponse(nil, jsonrpc.InvalidRequestCode, "malformed JSON-RPC request")

		return encodeOrFail(resp, http.StatusBadRequest)
	}

	cacheable := g.cache.ShouldCacheMethod(req.Method)

	var key string

	if cacheable {
		key, err = cache.Key(req.Method, req.Params)
		if err != nil {
			// An unfingerprintable request is still servable, just not
			// cacheable.
			cacheable = false
		} else if result, hit := g.cache.Get(key); hit {
			resp := &jsonrpc.Response{JSONRPC: jsonrpc.Version, Result: result}
			if req.ID != nil {
				resp.ID = *req.ID
			}

			return encodeOrFail(resp, http.StatusOK)
		}
	}

	respBytes, err := g.dispatcher.Forward(ctx, rawRequest)
	if err != nil {
		return outcomeForError(err)
	}

	if cacheable {
		g.maybeCache(key, respBytes)
	}

	return Outcome{Body: respBytes, StatusCode: http.StatusOK}
}

// maybeCache stores the response's result bytes under key, unless the
// response carries a JSON-RPC error or a null result — negative caching
// is never performed.
func (g *Gateway) maybeCache(key string, respBytes []byte) {
	resp, err := jsonrpc.DecodeResponse(respBytes)
	if err != nil {
		return
	}

	if cache.GuardResult(resp.Result, resp.IsError()) != nil {
		return
	}

	g.cache.Put(key, resp.Result)
}

func outcomeForError(err error) Outcome {
	var noHealthy *dispatch.NoHealthyNodeError
	if errors.As(err, &noHealthy) {
		return jsonOutcome("No healthy upstream node available.", http.StatusServiceUnavailable)
	}

	var aborted *upstream.AbortedError
	if errors.As(err, &aborted) {
		return jsonOutcome("Request cancelled by client.", http.StatusRequestTimeout)
	}

	var callFailed *upstream.CallFailedError
	if errors.As(err, &callFailed) {
		return jsonOutcome("Upstream request failed: "+err.Error(), http.StatusBadGateway)
	}

	return jsonOutcome("Request could not be routed: "+err.Error(), http.StatusInternalServerError)
}

func jsonOutcome(message string, statusCode int) Outcome {
	resp := map[string]string{"message": message}

	body, err := json.Marshal(resp)
	if err != nil {
		return Outcome{StatusCode: http.StatusInternalServerError}
	}

	return Outcome{Body: body, StatusCode: statusCode}
}

func encodeOrFail(resp *jsonrpc.Response, statusCode int) Outcome {
	body, err := resp.Encode()
	if err != nil {
		zap.L().Error("failed to encode JSON-RPC response", zap.Error(err))

		return Outcome{StatusCode: http.StatusInternalServerError}
	}

	return Outcome{Body: body, StatusCode: statusCode}
}
