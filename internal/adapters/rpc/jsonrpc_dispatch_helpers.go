package rpc

import "encoding/json"

const codeUnavailable = -32099

// callWithDecodedParams maps a decode failure to invalid params and a
// service failure through rpcServiceError.
func callWithDecodedParams[P any](rawParams json.RawMessage, decode func(json.RawMessage) (P, error), call func(P) (any, error)) (any, *rpcError) {
	params, err := decode(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(params)
	if err != nil {
		return nil, rpcServiceError(err)
	}
	return result, nil
}

func callWithSingleStringParam(rawParams json.RawMessage, call func(string) (any, error)) (any, *rpcError) {
	return callWithDecodedParams(rawParams, decodeSingleStringParam, call)
}

// Params are ignored.
func callWithoutParams(call func() (any, error)) (any, *rpcError) {
	return callWithDecodedParams(nil, func(json.RawMessage) (struct{}, error) {
		return struct{}{}, nil
	}, func(struct{}) (any, error) {
		return call()
	})
}

func serviceUnavailable(component string) *rpcError {
	return &rpcError{
		Code:    codeUnavailable,
		Message: component + " is not configured",
		Data:    &rpcErrorData{Kind: "Unavailable", Category: "api", Retryable: false},
	}
}
