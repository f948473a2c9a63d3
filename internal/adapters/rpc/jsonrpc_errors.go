package rpc

import (
	"errors"

	"icgate/go-backend/internal/actor"
	"icgate/go-backend/internal/candid"
	"icgate/go-backend/internal/platform/apperr"
)

// Service error codes by descriptor category.
const (
	codeInternal = -32000
	codeParse    = -32010
	codeCrypto   = -32020
	codeRegistry = -32030
	codeCall     = -32040
	codeStorage  = -32050
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

func rpcServiceError(err error) *rpcError {
	d := apperr.Describe(err)
	data := &rpcErrorData{Kind: d.Kind, Category: d.Category, Retryable: d.Retryable}
	var ce *actor.CallError
	if errors.As(err, &ce) {
		data.Field = ce.Field
		data.State = string(ce.State)
	}
	var pe *candid.ParseError
	if errors.As(err, &pe) {
		data.Field = pe.Pos.String()
	}
	return &rpcError{Code: categoryCode(d.Category), Message: d.Message, Data: data}
}

func categoryCode(category string) int {
	switch category {
	case apperr.CategoryParse:
		return codeParse
	case apperr.CategoryCrypto:
		return codeCrypto
	case apperr.CategoryRegistry:
		return codeRegistry
	case apperr.CategoryCall:
		return codeCall
	case apperr.CategoryStorage:
		return codeStorage
	default:
		return codeInternal
	}
}
