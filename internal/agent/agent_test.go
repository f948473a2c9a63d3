package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-varint"

	"icgate/go-backend/internal/identity"
	"icgate/go-backend/internal/principal"
)

type blsKey struct {
	sk  *big.Int
	der []byte
}

func newBLSKey(t *testing.T) blsKey {
	t.Helper()
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		t.Fatalf("random scalar: %v", err)
	}
	sk := e.BigInt(new(big.Int))
	_, _, _, g2 := bls12381.Generators()
	var pk bls12381.G2Affine
	pk.ScalarMultiplication(&g2, sk)
	compressed := pk.Bytes()
	return blsKey{sk: sk, der: BLSPublicKeyDER(compressed[:])}
}

func (k blsKey) certify(t *testing.T, tree *HashTree) *Certificate {
	t.Helper()
	root := tree.Digest()
	msg := append(domainSep("ic-state-root"), root[:]...)
	h, err := bls12381.HashToG1(msg, []byte(blsDST))
	if err != nil {
		t.Fatalf("hash to curve: %v", err)
	}
	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&h, k.sk)
	raw := sig.Bytes()
	return &Certificate{Tree: tree, Signature: raw[:]}
}

func encodeCert(t *testing.T, c *Certificate) []byte {
	t.Helper()
	raw, err := c.MarshalCBOR()
	if err != nil {
		t.Fatalf("marshal certificate: %v", err)
	}
	return raw
}

func timeLeaf(now time.Time) *HashTree {
	return Labeled([]byte("time"), Leaf(varint.ToUvarint(uint64(now.UnixNano()))))
}

func statusTree(id RequestID, now time.Time, fields map[string][]byte) *HashTree {
	sub := Empty()
	for k, v := range fields {
		sub = Fork(sub, Labeled([]byte(k), Leaf(v)))
	}
	return Fork(Labeled([]byte("request_status"), Labeled(id[:], sub)), timeLeaf(now))
}

type fakeTransport struct {
	mu    sync.Mutex
	post  func(path string, body []byte) (*Response, error)
	get   func(path string) (*Response, error)
	paths []string
}

func (f *fakeTransport) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.post(path, body)
}

func (f *fakeTransport) Get(ctx context.Context, path string) (*Response, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return f.get(path)
}

func (f *fakeTransport) count(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if strings.HasSuffix(p, suffix) {
			n++
		}
	}
	return n
}

func cborBody(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := cbor.Marshal(cbor.Tag{Number: selfDescribeTag, Content: v})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func testAgent(t *testing.T, tr Transport, key blsKey, now time.Time) *Agent {
	t.Helper()
	a, err := New(tr, Config{
		RootKey:           key.der,
		PollInitial:       time.Millisecond,
		PollMax:           2 * time.Millisecond,
		MaxCertificateAge: 5 * time.Minute,
		Now:               func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestRequestIDMatchesPublishedExample(t *testing.T) {
	c := &Content{
		RequestType:   "call",
		CanisterID:    mustDecodeHex("00000000000004D2"),
		MethodName:    "hello",
		Arg:           mustDecodeHex("4449444c00fd2a"),
		Sender:        []byte{0x04},
		IngressExpiry: 1685570400000000000,
	}
	id := c.ID()
	if got := hex.EncodeToString(id[:]); got != "1d1091364d6bb8a6c16b203ee75467d59ead468f523eb058880ae8ec80e2b101" {
		t.Fatalf("unexpected request id %s", got)
	}
	if p := id.SigningPayload(); len(p) != 11+32 || p[0] != 0x0a {
		t.Fatalf("unexpected signing payload % x", p)
	}
}

func TestHashTreeLookupAndDigest(t *testing.T) {
	tree := Fork(
		Labeled([]byte("a"), Fork(Labeled([]byte("x"), Leaf([]byte("hello"))), Labeled([]byte("y"), Leaf([]byte("world"))))),
		Fork(Labeled([]byte("b"), Leaf([]byte("good"))), Pruned([32]byte{1})),
	)
	if res, v := tree.Lookup([]byte("a"), []byte("x")); res != LookupFound || string(v) != "hello" {
		t.Fatalf("lookup a/x: %s %q", res, v)
	}
	if res, _ := tree.Lookup([]byte("a"), []byte("z")); res != LookupAbsent {
		t.Fatalf("lookup a/z should be absent, got %s", res)
	}
	if res, _ := tree.Lookup([]byte("c")); res != LookupUnknown {
		t.Fatalf("lookup c next to a pruned branch should be unknown, got %s", res)
	}
	raw, err := tree.MarshalCBOR()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseHashTree(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Digest() != tree.Digest() {
		t.Fatalf("digest changed across encoding")
	}
	if _, err := ParseHashTree([]byte{0x82, 0x07, 0x00}); err == nil {
		t.Fatalf("unknown tag should fail")
	}
}

func TestCertificateVerification(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	root := newBLSKey(t)
	tree := Fork(timeLeaf(now), Labeled([]byte("k"), Leaf([]byte("v"))))
	cert := root.certify(t, tree)
	v := &verifier{rootKey: root.der, maxAge: 5 * time.Minute, now: func() time.Time { return now }}
	if err := v.Verify(cert, principal.Principal{}); err != nil {
		t.Fatalf("valid certificate rejected: %v", err)
	}

	tampered := &Certificate{Tree: Fork(timeLeaf(now), Labeled([]byte("k"), Leaf([]byte("forged")))), Signature: cert.Signature}
	if err := v.Verify(tampered, principal.Principal{}); !errors.Is(err, ErrCertificateSignature) {
		t.Fatalf("tampered tree accepted: %v", err)
	}

	other := newBLSKey(t)
	if err := (&verifier{rootKey: other.der, now: time.Now}).Verify(cert, principal.Principal{}); !errors.Is(err, ErrCertificateSignature) {
		t.Fatalf("wrong root key accepted: %v", err)
	}

	late := &verifier{rootKey: root.der, maxAge: time.Minute, now: func() time.Time { return now.Add(time.Hour) }}
	if err := late.Verify(cert, principal.Principal{}); !errors.Is(err, ErrCertificateStale) {
		t.Fatalf("stale certificate accepted: %v", err)
	}
}

func TestDelegatedCertificate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	root := newBLSKey(t)
	subnetKey := newBLSKey(t)
	subnetID := []byte{0xaa, 0xbb}
	ranges, err := cbor.Marshal([][2][]byte{{
		mustDecodeHex("00000000000000000101"),
		mustDecodeHex("00000000000000ff0101"),
	}})
	if err != nil {
		t.Fatalf("ranges: %v", err)
	}
	parentTree := Fork(timeLeaf(now), Labeled([]byte("subnet"), Labeled(subnetID, Fork(
		Labeled([]byte("canister_ranges"), Leaf(ranges)),
		Labeled([]byte("public_key"), Leaf(subnetKey.der)),
	))))
	parent := encodeCert(t, root.certify(t, parentTree))
	cert := subnetKey.certify(t, Fork(timeLeaf(now), Labeled([]byte("k"), Leaf([]byte("v")))))
	cert.Delegation = &Delegation{SubnetID: subnetID, Certificate: parent}

	v := &verifier{rootKey: root.der, maxAge: time.Minute, now: func() time.Time { return now }}
	ledger := principal.MustFromText("ryjl3-tyaaa-aaaaa-aaaba-cai")
	if err := v.Verify(cert, ledger); err != nil {
		t.Fatalf("delegated certificate rejected: %v", err)
	}
	outside, _ := principal.FromBytes(mustDecodeHex("00000000010000000101"))
	if err := v.Verify(cert, outside); !errors.Is(err, ErrCanisterRange) {
		t.Fatalf("canister outside ranges accepted: %v", err)
	}
}

func TestQueryBuildsSignedEnvelope(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	id, err := identity.Generate(identity.KeyEd25519)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	canister := principal.MustFromText("ryjl3-tyaaa-aaaaa-aaaba-cai")
	var seen envelope
	tr := &fakeTransport{post: func(path string, body []byte) (*Response, error) {
		if path != "/api/v2/canister/ryjl3-tyaaa-aaaaa-aaaba-cai/query" {
			t.Errorf("unexpected path %s", path)
		}
		if body[0] != 0xd9 || body[1] != 0xd9 || body[2] != 0xf7 {
			t.Errorf("envelope lacks self-describe tag")
		}
		if err := decodeCBOR(body, &seen); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		return &Response{Status: 200, Body: cborBody(t, map[string]any{"status": "replied", "reply": map[string]any{"arg": []byte("DIDL\x00\x00")}})}, nil
	}}
	a := testAgent(t, tr, newBLSKey(t), now)
	req, err := a.Prepare(id, RequestSpec{Kind: KindQuery, Canister: canister, Method: "balance", Arg: []byte("DIDL\x00\x00")})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	reply, err := a.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if string(reply) != "DIDL\x00\x00" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if string(seen.Content.Sender) != string(id.Principal().Bytes()) || seen.Content.MethodName != "balance" {
		t.Fatalf("unexpected content %+v", seen.Content)
	}
	if seen.Content.ID() != req.ID {
		t.Fatalf("request id does not survive encoding")
	}
	pub := ed25519.PublicKey(seen.SenderPubKey[len(seen.SenderPubKey)-ed25519.PublicKeySize:])
	if !ed25519.Verify(pub, req.ID.SigningPayload(), seen.SenderSig) {
		t.Fatalf("signature does not verify")
	}
	if seen.Content.IngressExpiry != uint64(now.Add(4*time.Minute).UnixNano()) {
		t.Fatalf("unexpected expiry %d", seen.Content.IngressExpiry)
	}
}

func TestAnonymousEnvelopeIsUnsigned(t *testing.T) {
	a := testAgent(t, &fakeTransport{}, newBLSKey(t), time.Now())
	req, err := a.Prepare(identity.Anonymous(), RequestSpec{Kind: KindQuery, Canister: principal.Management(), Method: "m"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	var env envelope
	if err := decodeCBOR(req.Body, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.SenderSig != nil || env.SenderPubKey != nil || string(env.Content.Sender) != "\x04" {
		t.Fatalf("anonymous envelope should carry no key or signature: %+v", env)
	}
}

func TestSubmitPollsUntilReplied(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	key := newBLSKey(t)
	id, _ := identity.Generate(identity.KeySecp256k1)
	canister := principal.MustFromText("ryjl3-tyaaa-aaaaa-aaaba-cai")
	var (
		a     *Agent
		req   *Request
		polls int
	)
	tr := &fakeTransport{post: func(path string, body []byte) (*Response, error) {
		if strings.HasSuffix(path, "/call") {
			return &Response{Status: 202}, nil
		}
		polls++
		fields := map[string][]byte{"status": []byte("processing")}
		if polls >= 3 {
			fields = map[string][]byte{"status": []byte("replied"), "reply": []byte("DIDL\x00\x01\x7e\x01")}
		}
		cert := key.certify(t, statusTree(req.ID, now, fields))
		return &Response{Status: 200, Body: cborBody(t, map[string]any{"certificate": encodeCert(t, cert)})}, nil
	}}
	a = testAgent(t, tr, key, now)
	req, err := a.Prepare(id, RequestSpec{Kind: KindCall, Canister: canister, Method: "transfer", Arg: []byte("DIDL\x00\x00")})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	reply, err := a.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(reply) != "DIDL\x00\x01\x7e\x01" {
		t.Fatalf("unexpected reply % x", reply)
	}
	if tr.count("/call") != 1 || tr.count("/read_state") != 3 {
		t.Fatalf("call must be sent once and polled: %v", tr.paths)
	}
}

func TestSubmitRejectedAndTimeout(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	key := newBLSKey(t)
	canister := principal.MustFromText("ryjl3-tyaaa-aaaaa-aaaba-cai")
	var req *Request
	status := "rejected"
	tr := &fakeTransport{post: func(path string, body []byte) (*Response, error) {
		if strings.HasSuffix(path, "/call") {
			return &Response{Status: 202}, nil
		}
		fields := map[string][]byte{"status": []byte(status)}
		if status == "rejected" {
			fields["reject_code"] = []byte{0x04}
			fields["reject_message"] = []byte("not authorized")
		}
		cert := key.certify(t, statusTree(req.ID, now, fields))
		return &Response{Status: 200, Body: cborBody(t, map[string]any{"certificate": encodeCert(t, cert)})}, nil
	}}
	a := testAgent(t, tr, key, now)
	req, _ = a.Prepare(identity.Anonymous(), RequestSpec{Kind: KindCall, Canister: canister, Method: "transfer"})
	_, err := a.Submit(context.Background(), req)
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Code != RejectCanisterReject || rej.Message != "not authorized" {
		t.Fatalf("expected reject, got %v", err)
	}

	status = "processing"
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Submit(ctx, req)
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != TransportTimeout || !te.Transient() {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSubmitMapsHTTPStatus(t *testing.T) {
	tr := &fakeTransport{post: func(path string, body []byte) (*Response, error) {
		return &Response{Status: 403, Body: []byte("forbidden")}, nil
	}}
	a := testAgent(t, tr, newBLSKey(t), time.Now())
	req, _ := a.Prepare(identity.Anonymous(), RequestSpec{Kind: KindCall, Canister: principal.Management(), Method: "m"})
	_, err := a.Submit(context.Background(), req)
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 403 {
		t.Fatalf("expected http error, got %v", err)
	}
}

func TestRootKeyFetchedOnce(t *testing.T) {
	key := newBLSKey(t)
	tr := &fakeTransport{get: func(path string) (*Response, error) {
		return &Response{Status: 200, Body: cborBody(t, map[string]any{"root_key": key.der})}, nil
	}}
	a, err := New(tr, Config{FetchRootKey: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := a.RootKey(context.Background())
		if err != nil || string(got) != string(key.der) {
			t.Fatalf("RootKey: %v", err)
		}
	}
	if tr.count("/api/v2/status") != 1 {
		t.Fatalf("root key should be fetched once: %v", tr.paths)
	}
}

func TestStatusDecodesReplicaHealth(t *testing.T) {
	tr := &fakeTransport{get: func(path string) (*Response, error) {
		return &Response{Status: 200, Body: cborBody(t, map[string]any{
			"impl_version":          "0.9.0",
			"replica_health_status": "healthy",
		})}, nil
	}}
	a, err := New(tr, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st, err := a.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ImplVersion != "0.9.0" || st.ReplicaHealth != "healthy" || len(st.RootKey) != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestReadNat(t *testing.T) {
	cases := []struct {
		in      []byte
		want    uint64
		wantErr bool
	}{
		{[]byte{0x04}, 4, false},
		{varint.ToUvarint(624485), 624485, false},
		{[]byte{0x04, 0x00}, 0, true},
		{[]byte{0x80}, 0, true},
		{[]byte{0x84, 0x00}, 0, true},
		{nil, 0, true},
	}
	for _, tc := range cases {
		got, err := readNat(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("readNat(%x) = %d, %v", tc.in, got, err)
		}
	}
}
