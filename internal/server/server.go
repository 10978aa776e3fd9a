// Package server is the gateway's HTTP front end: POST /rpc (and /),
// GET /health, GET /status.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nodegw/gateway/internal/gateway"
	"github.com/nodegw/gateway/internal/upstream"
	"github.com/nodegw/gateway/internal/util"
)

const defaultReadHeaderTimeout = 10 * time.Second

var acceptedContentTypes = []string{"application/json", "application/json-rpc", "application/jsonrequest"}

// NodeStatus reports the current breaker state of a single upstream.
type NodeStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Server is the gateway's HTTP front end.
type Server struct {
	httpServer *http.Server
	gateway    *gateway.Gateway
	nodes      []*upstream.Node
}

// New builds a Server bound to addr, serving g and reporting on nodes.
func New(addr string, g *gateway.Gateway, nodes []*upstream.Node) *Server {
	s := &Server{gateway: g, nodes: nodes}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	return s
}

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(writer http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		respondJSON(writer, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	contentType := req.Header.Get("Content-Type")
	if !lo.Contains(acceptedContentTypes, contentType) {
		respondJSON(writer, "Content-Type not supported.", http.StatusUnsupportedMediaType)
		return
	}

	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		zap.L().Error("failed to read request body", zap.Error(err))
		respondJSON(writer, fmt.Sprintf("Request body could not be read: %s", err.Error()), http.StatusInternalServerError)

		return
	}

	ctx := util.NewContext(req.Context(), clientID(req))

	outcome := s.gateway.Handle(ctx, rawBody)

	respondRaw(writer, outcome.Body, outcome.StatusCode)
}

func (s *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	respondRaw(writer, []byte("OK"), http.StatusOK)
}

func (s *Server) handleStatus(writer http.ResponseWriter, _ *http.Request) {
	nodes := make([]NodeStatus, 0, len(s.nodes))

	for _, n := range s.nodes {
		status := "HEALTHY"
		if n.State() == upstream.Unhealthy {
			status = "UNHEALTHY"
		}

		nodes = append(nodes, NodeStatus{Name: n.Name, Status: status})
	}

	body, err := json.Marshal(map[string]any{"nodes": nodes})
	if err != nil {
		respondJSON(writer, "Failed to serialize status.", http.StatusInternalServerError)
		return
	}

	respondRaw(writer, body, http.StatusOK)
}

// clientID extracts the caller's identity via a "client" query param.
// Query params were chosen over a header because client code (e.g.
// graph-nodes) is often hard to modify, while the RPC URL — and
// therefore its query string — is usually just a config value.
func clientID(req *http.Request) string {
	if id := req.URL.Query().Get("client"); id != "" {
		return id
	}

	return "unknown"
}

func respondJSON(writer http.ResponseWriter, message string, statusCode int) {
	body, _ := json.Marshal(map[string]string{"message": message})
	respondRaw(writer, body, statusCode)
}

func respondRaw(writer http.ResponseWriter, body []byte, statusCode int) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	if _, err := writer.Write(body); err != nil {
		zap.L().Error("failed to write response body", zap.Error(err))
	}
}
