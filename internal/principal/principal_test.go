package principal

import (
	"bytes"
	"errors"
	"testing"
)

func TestWellKnownPrincipals(t *testing.T) {
	cases := []struct {
		name string
		p    Principal
		text string
	}{
		{name: "anonymous", p: Anonymous(), text: "2vxsx-fae"},
		{name: "management", p: Management(), text: "aaaaa-aa"},
	}
	for _, tc := range cases {
		if got := tc.p.String(); got != tc.text {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.text, got)
		}
		parsed, err := FromText(tc.text)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", tc.name, err)
		}
		if parsed != tc.p {
			t.Fatalf("%s: parsed principal differs", tc.name)
		}
	}
}

func TestLedgerCanisterID(t *testing.T) {
	p, err := FromText("ryjl3-tyaaa-aaaaa-aaaba-cai")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := []byte{0, 0, 0, 0, 0, 0, 0, 2, 1, 1}
	if !bytes.Equal(p.Bytes(), want) {
		t.Fatalf("unexpected bytes: %x", p.Bytes())
	}
}

func TestFromTextRejectsBadInput(t *testing.T) {
	if _, err := FromText("ryjl3-tyaaa-aaaaa-aaaba-caa"); err == nil {
		t.Fatal("expected checksum or decoding failure")
	}
	if _, err := FromText("ryjl3tyaaaaaaaaaaabacai"); !errors.Is(err, ErrNotCanonical) {
		t.Fatalf("expected ErrNotCanonical for ungrouped text, got %v", err)
	}
	if _, err := FromText(""); !errors.Is(err, ErrInvalidText) {
		t.Fatalf("expected ErrInvalidText, got %v", err)
	}
	if _, err := FromBytes(make([]byte, MaxLength+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestSelfAuthenticatingRoundTrip(t *testing.T) {
	p := SelfAuthenticating([]byte("not really a der key"))
	if !p.IsSelfAuthenticating() {
		t.Fatal("expected self-authenticating principal")
	}
	if p.Len() != 29 {
		t.Fatalf("unexpected length: %d", p.Len())
	}
	parsed, err := FromText(p.String())
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if parsed != p {
		t.Fatal("round trip mismatch")
	}

	var viaText Principal
	raw, _ := p.MarshalText()
	if err := viaText.UnmarshalText(raw); err != nil || viaText != p {
		t.Fatalf("text marshal round trip failed: %v", err)
	}
}
