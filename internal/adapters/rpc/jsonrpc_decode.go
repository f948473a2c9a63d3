package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var errInvalidParams = errors.New("invalid params")

func decodeSingleStringParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 && strings.TrimSpace(arr[0]) != "" {
		return arr[0], nil
	}
	return "", errInvalidParams
}

func isEmptyParams(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}

// decodeObjectParam accepts {..} or [{..}]. Unknown fields are rejected.
func decodeObjectParam(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) != 1 {
			return errInvalidParams
		}
		trimmed = bytes.TrimSpace(arr[0])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errInvalidParams
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return errInvalidParams
	}
	return nil
}

type regenerateParams struct {
	WithPhrase bool `json:"with_phrase"`
}

func decodeRegenerateParams(raw json.RawMessage) (regenerateParams, error) {
	var p regenerateParams
	if isEmptyParams(raw) {
		return p, nil
	}
	err := decodeObjectParam(raw, &p)
	return p, err
}

func decodeBlobParam(raw json.RawMessage) ([]byte, error) {
	s, err := decodeSingleStringParam(raw)
	if err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(blob) == 0 {
		return nil, errInvalidParams
	}
	return blob, nil
}

type registryAddParams struct {
	Name       string `json:"name"`
	CanisterID string `json:"canister_id"`
	Network    string `json:"network"`
}

// decodeRegistryAddParams accepts {name, canister_id, network} or the
// positional form [name, canister_id] / [name, canister_id, network].
func decodeRegistryAddParams(raw json.RawMessage) (registryAddParams, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) < 2 || len(arr) > 3 {
			return registryAddParams{}, errInvalidParams
		}
		p := registryAddParams{Name: arr[0], CanisterID: arr[1]}
		if len(arr) == 3 {
			p.Network = arr[2]
		}
		return p, nil
	}
	var p registryAddParams
	if err := decodeObjectParam(raw, &p); err != nil {
		return registryAddParams{}, err
	}
	return p, nil
}

type canisterCallParams struct {
	Canister  string `json:"canister"`
	Method    string `json:"method"`
	Args      []any  `json:"args"`
	Mode      string `json:"mode"`
	Nonce     string `json:"nonce"`
	ExpiryMS  int64  `json:"expiry_ms"`
	TimeoutMS int64  `json:"timeout_ms"`

	nonce []byte
}

func decodeCanisterCallParams(raw json.RawMessage) (canisterCallParams, error) {
	var p canisterCallParams
	if err := decodeObjectParam(raw, &p); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.Canister) == "" || strings.TrimSpace(p.Method) == "" {
		return p, errInvalidParams
	}
	if p.ExpiryMS < 0 || p.TimeoutMS < 0 {
		return p, errInvalidParams
	}
	if p.Args == nil {
		p.Args = []any{}
	}
	if n := strings.TrimSpace(p.Nonce); n != "" {
		b, err := hex.DecodeString(n)
		if err != nil || len(b) == 0 || len(b) > 32 {
			return p, errInvalidParams
		}
		p.nonce = b
	}
	return p, nil
}

func (p canisterCallParams) expiry() time.Time {
	if p.ExpiryMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.ExpiryMS)
}

func (p canisterCallParams) timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}
