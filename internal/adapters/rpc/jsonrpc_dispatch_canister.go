package rpc

import (
	"context"
	"encoding/json"

	"icgate/go-backend/internal/actor"
)

func (s *Server) dispatchCanisterRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	if method != "canister.call" {
		return nil, nil, false
	}
	if s.caller == nil || s.registry == nil || s.identity == nil {
		return nil, serviceUnavailable("canister"), true
	}
	params, err := decodeCanisterCallParams(rawParams)
	if err != nil {
		return nil, rpcInvalidParams(), true
	}
	mode, err := actor.ParseMode(params.Mode)
	if err != nil {
		return nil, rpcInvalidParams(), true
	}
	entry, err := s.registry.Get(params.Canister)
	if err != nil {
		return nil, rpcServiceError(err), true
	}
	res, err := s.caller.Call(ctx, s.identity.Current(), entry, params.Method, params.Args, actor.Options{
		Mode:    mode,
		Nonce:   params.nonce,
		Expiry:  params.expiry(),
		Timeout: params.timeout(),
	})
	if err != nil {
		return nil, rpcServiceError(err), true
	}
	return map[string]any{
		"values":     actor.NormalizeAll(res.Values),
		"method":     res.Method,
		"mode":       res.Mode,
		"request_id": res.RequestID,
		"state":      res.State,
	}, nil, true
}
