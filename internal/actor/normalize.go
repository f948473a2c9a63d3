package actor

import (
	"encoding/hex"
	"math/big"
	"strings"

	"icgate/go-backend/internal/principal"
)

// Normalize turns decoded values into plain JSON values. Single-key maps
// holding null (unit variants) become their tag and principals their text.
// Blobs become upper-case hex. Integers beyond int64 become decimal strings.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			for tag, inner := range x {
				if inner == nil {
					return tag
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, inner := range x {
			out[k] = Normalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, inner := range x {
			out[i] = Normalize(inner)
		}
		return out
	case []byte:
		return strings.ToUpper(hex.EncodeToString(x))
	case principal.Principal:
		return x.String()
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	default:
		return v
	}
}

// NormalizeAll applies Normalize to each value.
func NormalizeAll(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = Normalize(v)
	}
	return out
}
