package rpc

import (
	"context"
	"encoding/json"

	"icgate/go-backend/internal/candid"
)

type methodView struct {
	Name      string          `json:"name"`
	Mode      candid.CallMode `json:"mode"`
	Oneway    bool            `json:"oneway,omitempty"`
	Composite bool            `json:"composite,omitempty"`
	Signature string          `json:"signature"`
}

func describeMethods(doc *candid.Document) map[string]any {
	methods := doc.Methods()
	out := make([]methodView, 0, len(methods))
	for _, m := range methods {
		out = append(out, methodView{
			Name:      m.Name,
			Mode:      m.Mode,
			Oneway:    m.Oneway,
			Composite: m.Composite,
			Signature: doc.Signature(m),
		})
	}
	view := map[string]any{"methods": out}
	if len(doc.Duplicates) > 0 {
		view["duplicates"] = doc.Duplicates
	}
	return view
}

func (s *Server) dispatchRegistryRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "registry.add", "registry.remove", "registry.list", "registry.get", "registry.methods", "registry.invalidate":
	default:
		return nil, nil, false
	}
	if s.registry == nil {
		return nil, serviceUnavailable("registry"), true
	}

	var result any
	var rpcErr *rpcError
	switch method {
	case "registry.add":
		result, rpcErr = callWithDecodedParams(rawParams, decodeRegistryAddParams, func(p registryAddParams) (any, error) {
			return s.registry.Add(ctx, p.Name, p.CanisterID, p.Network)
		})
	case "registry.remove":
		result, rpcErr = callWithSingleStringParam(rawParams, func(name string) (any, error) {
			if err := s.registry.Remove(ctx, name); err != nil {
				return nil, err
			}
			return map[string]bool{"removed": true}, nil
		})
	case "registry.list":
		result, rpcErr = callWithoutParams(func() (any, error) {
			return map[string]any{"entries": s.registry.List()}, nil
		})
	case "registry.get":
		result, rpcErr = callWithSingleStringParam(rawParams, func(name string) (any, error) {
			return s.registry.Get(name)
		})
	case "registry.methods":
		result, rpcErr = callWithSingleStringParam(rawParams, func(name string) (any, error) {
			doc, err := s.registry.ResolveMethods(ctx, name)
			if err != nil {
				return nil, err
			}
			return describeMethods(doc), nil
		})
	case "registry.invalidate":
		result, rpcErr = callWithSingleStringParam(rawParams, func(name string) (any, error) {
			if err := s.registry.Invalidate(ctx, name); err != nil {
				return nil, err
			}
			return map[string]bool{"invalidated": true}, nil
		})
	}
	return result, rpcErr, true
}
