package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcErrorData struct {
	Kind      string `json:"kind"`
	Category  string `json:"category,omitempty"`
	Retryable bool   `json:"retryable"`
	Field     string `json:"field,omitempty"`
	State     string `json:"state,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const defaultMaxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := extractRPCToken(r)
	clientKey := rpcRateLimitKey(r, token)
	now := s.now()
	if !s.limiter.Allow(clientKey, now) {
		s.logger.Warn("rpc rate limited", "client_key", clientKey)
		if s.observer != nil {
			s.observer.ObserveRateLimited()
		}
		secs := int(math.Ceil(s.limiter.RetryAfter(clientKey, now).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if rpcErr := validateRPCAPIVersion(req.APIVersion); rpcErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if reqID == "" || len(reqID) > 128 {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)
	log := s.logger.With("request_id", reqID, "method", req.Method)

	cacheKey := replayKey(req.Method, r.Header.Get(idempotencyHeader), token)
	digest := requestDigest(req)
	if cacheKey != "" {
		cached, hit, conflict := s.replay.lookup(cacheKey, digest, now)
		if conflict {
			writeRPC(w, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: -32090, Message: "idempotency key reused with different request"},
			})
			return
		}
		if hit {
			log.Info("rpc replayed", "idempotency_key", cacheKey)
			cached.ID = req.ID
			writeRPC(w, cached)
			return
		}
	}

	started := time.Now()
	log.Info("rpc request", "rpc_id", string(req.ID))
	result, rpcErr := s.dispatchRPC(r.Context(), req.Method, req.Params)
	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
		if rpcErr.Data != nil {
			outcome = rpcErr.Data.Kind
		}
		log.Error("rpc failed", "rpc_code", rpcErr.Code, "kind", outcome, "latency_ms", time.Since(started).Milliseconds())
	} else {
		log.Info("rpc response", "latency_ms", time.Since(started).Milliseconds())
	}
	if s.observer != nil {
		s.observer.ObserveRPC(req.Method, outcome)
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if cacheKey != "" {
		s.replay.store(cacheKey, digest, resp, now)
	}
	writeRPC(w, resp)
}

func (s *Server) dispatchRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "rpc.version":
		return rpcVersionInfo(), nil
	case "node.doctor":
		if s.doctor == nil {
			return nil, serviceUnavailable("doctor")
		}
		return callWithoutParams(func() (any, error) {
			return s.doctor.Doctor(ctx)
		})
	}
	if result, rpcErr, ok := s.dispatchIdentityRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchRegistryRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchCanisterRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
