package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"icgate/go-backend/internal/identity"
)

func (s *Server) dispatchIdentityRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "identity.get", "identity.regenerate", "identity.import_phrase", "identity.export_phrase",
		"identity.backups", "identity.backup", "identity.export_backup", "identity.restore_backup",
		"identity.restore_blob":
	default:
		return nil, nil, false
	}
	if s.identity == nil {
		return nil, serviceUnavailable("identity"), true
	}

	var result any
	var rpcErr *rpcError
	switch method {
	case "identity.get":
		result, rpcErr = callWithoutParams(func() (any, error) {
			return s.identity.Public(), nil
		})
	case "identity.regenerate":
		result, rpcErr = callWithDecodedParams(rawParams, decodeRegenerateParams, func(p regenerateParams) (any, error) {
			return s.identity.Regenerate(ctx, identity.RegenerateOptions{WithPhrase: p.WithPhrase})
		})
	case "identity.import_phrase":
		result, rpcErr = callWithSingleStringParam(rawParams, func(phrase string) (any, error) {
			return s.identity.ImportPhrase(ctx, phrase)
		})
	case "identity.export_phrase":
		result, rpcErr = callWithSingleStringParam(rawParams, func(passphrase string) (any, error) {
			phrase, err := s.identity.ExportPhrase(passphrase)
			if err != nil {
				return nil, err
			}
			return map[string]string{"phrase": phrase}, nil
		})
	case "identity.backups":
		result, rpcErr = callWithoutParams(func() (any, error) {
			backups, err := s.identity.Backups(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"backups": backups}, nil
		})
	case "identity.backup":
		result, rpcErr = callWithoutParams(func() (any, error) {
			return s.identity.CreateBackup(ctx)
		})
	case "identity.export_backup":
		result, rpcErr = callWithSingleStringParam(rawParams, func(id string) (any, error) {
			blob, err := s.identity.ExportBackup(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]string{"backup_blob": base64.StdEncoding.EncodeToString(blob)}, nil
		})
	case "identity.restore_backup":
		result, rpcErr = callWithSingleStringParam(rawParams, func(id string) (any, error) {
			pub, err := s.identity.RestoreBackup(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"identity": pub}, nil
		})
	case "identity.restore_blob":
		result, rpcErr = callWithDecodedParams(rawParams, decodeBlobParam, func(blob []byte) (any, error) {
			pub, err := s.identity.RestoreBlob(ctx, blob)
			if err != nil {
				return nil, err
			}
			return map[string]any{"identity": pub}, nil
		})
	}
	return result, rpcErr, true
}
