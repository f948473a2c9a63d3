package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

const testPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestSanitizeAttrRedactsPhraseValuesUnderAnyKey(t *testing.T) {
	got := SanitizeAttr(slog.String("detail", "imported "+testPhrase))
	if got.Value.String() != redactedValue {
		t.Fatalf("expected phrase redacted, got %q", got.Value.String())
	}
	got = SanitizeAttr(slog.Any("err", errors.New("bad phrase: "+testPhrase)))
	if got.Value.String() != redactedValue {
		t.Fatalf("expected error text redacted, got %q", got.Value.String())
	}
	got = SanitizeAttr(slog.String("detail", "abandon ship about now"))
	if got.Value.String() != "abandon ship about now" {
		t.Fatalf("short word runs must pass, got %q", got.Value.String())
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	a := SanitizeAttr(slog.String("nonce", "0a0b0c"))
	b := SanitizeAttr(slog.String("nonce", "0a0b0c"))
	if a.Key != "nonce_fp" || !strings.HasPrefix(a.Value.String(), "fp_") {
		t.Fatalf("unexpected fingerprint attr: %v", a)
	}
	if a.Value.String() != b.Value.String() {
		t.Fatalf("fingerprints differ: %v vs %v", a, b)
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank values have no fingerprint")
	}
}

func TestSanitizingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "json", &buf)
	logger.Info("test",
		"nonce", "abc",
		"rpc_token", "secret",
		"identity_passphrase", "hunter2",
		"seed_phrase", "word word",
		"principal", "2vxsx-fae",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["nonce"]; ok {
		t.Fatal("nonce should not be present")
	}
	if _, ok := payload["nonce_fp"]; !ok {
		t.Fatal("nonce_fp should be present")
	}
	for _, key := range []string{"rpc_token", "identity_passphrase", "seed_phrase"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if payload["principal"] != "2vxsx-fae" {
		t.Fatalf("principal should be logged as is, got %v", payload["principal"])
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("idempotency_key", "k1"), slog.Group("identity", slog.String("private_key", "x")))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "idempotency_key_fp") || strings.Contains(out, `"x"`) || !strings.Contains(out, `"identity":{`) {
		t.Fatalf("expected sanitized output, got %s", out)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "level=WARN") {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unexpected level parsing")
	}
}
