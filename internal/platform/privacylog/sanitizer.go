// Package privacylog keeps key material and secrets out of structured logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

const redactedValue = "[REDACTED]"

// Shortest phrase accepted by the mnemonic codec.
const minPhraseWords = 12

var (
	bootSalt = randomSalt()
	// Values under these keys are replaced by a per-process fingerprint so
	// repeated requests stay correlatable.
	fingerprintKeys = map[string]struct{}{
		"nonce":           {},
		"idempotency_key": {},
		"client_key":      {},
		"remote_addr":     {},
	}
	phraseWords    = wordSet(bip39.GetWordList())
	secretKeyParts = []string{
		"token", "secret", "password", "passphrase", "authorization",
		"private", "phrase", "mnemonic", "seed", "signature", "backup_blob",
	}
)

// SanitizingHandler redacts secrets before records reach next.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, redactPhrase(rec.Message), rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts secret keys, fingerprints correlation keys and drops
// any string value that reads as a recovery phrase. Groups are walked.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	value := attr.Value.Resolve()
	switch {
	case isSecretKey(lower):
		return slog.String(key, redactedValue)
	case isFingerprintKey(lower):
		return slog.String(fingerprintKeyName(key), FingerprintID(value.String()))
	case value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(value.Group())...)}
	case value.Kind() == slog.KindString:
		return slog.String(key, redactPhrase(value.String()))
	case value.Kind() == slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(key, redactPhrase(err.Error()))
		}
	}
	return slog.Attr{Key: key, Value: value}
}

// FingerprintID is stable for the life of the process and unlinkable across
// restarts.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootSalt))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

// redactPhrase blanks s when it holds a run of at least minPhraseWords
// consecutive English wordlist words.
func redactPhrase(s string) string {
	run := 0
	for _, w := range strings.Fields(s) {
		w = strings.ToLower(strings.Trim(w, `"'.,;:()[]{}`))
		if _, ok := phraseWords[w]; ok {
			run++
			if run >= minPhraseWords {
				return redactedValue
			}
			continue
		}
		run = 0
	}
	return s
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func isFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func randomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "icgw"
	}
	return hex.EncodeToString(buf)
}
