package actor

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"icgate/go-backend/internal/agent"
	"icgate/go-backend/internal/candid"
	"icgate/go-backend/internal/identity"
	"icgate/go-backend/internal/principal"
	"icgate/go-backend/internal/registry"
	"icgate/go-backend/internal/storage"
)

const (
	ledgerID  = "ryjl3-tyaaa-aaaaa-aaaba-cai"
	ledgerDID = `
type Account = record { owner : principal; subaccount : opt blob };
type TransferResult = variant { Ok : nat; Err : text };
service : {
  balance : (principal) -> (nat) query;
  transfer : (principal, nat) -> (TransferResult);
  notify : (text) -> () oneway;
  account : (principal) -> (Account) query;
}`
)

type unusedTransport struct{}

func (unusedTransport) Post(context.Context, string, []byte) (*agent.Response, error) {
	return nil, errors.New("unexpected transmission")
}

func (unusedTransport) Get(context.Context, string) (*agent.Response, error) {
	return nil, errors.New("unexpected transmission")
}

// fakeClient signs with a real agent and answers from canned functions.
type fakeClient struct {
	signer *agent.Agent

	mu     sync.Mutex
	specs  []agent.RequestSpec
	sent   []agent.RequestKind
	ids    []agent.RequestID
	query  func(*agent.Request) ([]byte, error)
	submit func(*agent.Request) ([]byte, error)
	meta   func() ([]byte, error)
}

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	a, err := agent.New(unusedTransport{}, agent.Config{})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return &fakeClient{signer: a}
}

func (f *fakeClient) Prepare(signer agent.Signer, spec agent.RequestSpec) (*agent.Request, error) {
	req, err := f.signer.Prepare(signer, spec)
	if err == nil {
		f.mu.Lock()
		f.specs = append(f.specs, spec)
		f.ids = append(f.ids, req.ID)
		f.mu.Unlock()
	}
	return req, err
}

func (f *fakeClient) record(kind agent.RequestKind) {
	f.mu.Lock()
	f.sent = append(f.sent, kind)
	f.mu.Unlock()
}

func (f *fakeClient) Query(_ context.Context, req *agent.Request) ([]byte, error) {
	f.record(agent.KindQuery)
	return f.query(req)
}

func (f *fakeClient) Submit(_ context.Context, req *agent.Request) ([]byte, error) {
	f.record(agent.KindCall)
	return f.submit(req)
}

func (f *fakeClient) Send(context.Context, *agent.Request) error {
	f.record("send")
	return nil
}

func (f *fakeClient) CanisterMetadata(context.Context, agent.Signer, principal.Principal, string) ([]byte, error) {
	return f.meta()
}

type fixture struct {
	ctl   *Controller
	reg   *registry.Registry
	entry registry.Entry
	doc   *candid.Document
}

func newFixture(t *testing.T, client Client) fixture {
	t.Helper()
	reg, err := registry.New(registry.Options{
		Store: storage.NewMemoryKV(),
		Fetcher: registry.FetcherFunc(func(context.Context, registry.Entry) (string, error) {
			return ledgerDID, nil
		}),
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	entry, err := reg.Add(context.Background(), "ledger", ledgerID, "mainnet")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctl, err := NewController(Config{Resolver: reg, Agents: map[string]Client{"mainnet": client}})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	doc, err := candid.Parse(ledgerDID)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return fixture{ctl: ctl, reg: reg, entry: entry, doc: doc}
}

func (fx fixture) reply(t *testing.T, method string, values ...any) []byte {
	t.Helper()
	m, _ := fx.doc.Method(method)
	raw, err := fx.doc.EncodeArgs(m.Results, values)
	if err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	return raw
}

func asCallError(t *testing.T, err error) *CallError {
	t.Helper()
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %v", err)
	}
	return ce
}

func TestCallQueryDecodesResults(t *testing.T) {
	client := newFakeClient(t)
	fx := newFixture(t, client)
	client.query = func(*agent.Request) ([]byte, error) { return fx.reply(t, "balance", 1000), nil }

	res, err := fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "balance", []any{ledgerID}, Options{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Mode != candid.ModeQuery || res.State != StateCompleted || len(res.RequestID) != 64 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n, ok := res.Values[0].(*big.Int); !ok || n.Int64() != 1000 {
		t.Fatalf("unexpected value %#v", res.Values[0])
	}
	if len(client.specs) != 1 || client.specs[0].Kind != agent.KindQuery || client.specs[0].Canister.String() != ledgerID {
		t.Fatalf("unexpected request %+v", client.specs)
	}
	if e, _ := fx.reg.Get("ledger"); e.LastUsedAt.IsZero() {
		t.Fatalf("successful call should touch the entry")
	}
}

func TestCallFailsBeforeTransmission(t *testing.T) {
	client := newFakeClient(t)
	fx := newFixture(t, client)

	_, err := fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "mint", nil, Options{})
	if ce := asCallError(t, err); ce.Kind != UnknownMethod || ce.State != StateBuilding {
		t.Fatalf("unexpected error %+v", ce)
	}

	_, err = fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "balance", []any{"not a principal"}, Options{})
	ce := asCallError(t, err)
	if ce.Kind != ArgumentEncodingError || ce.Field != "args[0]" || ce.State != StateBuilding || ce.Transient() {
		t.Fatalf("unexpected error %+v", ce)
	}

	_, err = fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "transfer", []any{ledgerID}, Options{})
	if ce := asCallError(t, err); ce.Kind != ArgumentEncodingError {
		t.Fatalf("missing argument should fail encoding, got %+v", ce)
	}
	if len(client.specs) != 0 || len(client.sent) != 0 {
		t.Fatalf("nothing should be prepared or sent: %v %v", client.specs, client.sent)
	}
}

func TestCallModesAndOneway(t *testing.T) {
	client := newFakeClient(t)
	fx := newFixture(t, client)
	client.query = func(*agent.Request) ([]byte, error) { return fx.reply(t, "transfer", map[string]any{"Ok": 5}), nil }
	client.submit = func(*agent.Request) ([]byte, error) { return fx.reply(t, "balance", 7), nil }

	res, err := fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "transfer", []any{ledgerID, 5}, Options{Mode: ModeQuery})
	if err != nil || res.Mode != candid.ModeQuery {
		t.Fatalf("query override: %+v %v", res, err)
	}
	if got := Normalize(res.Values[0]); got.(map[string]any)["Ok"] != int64(5) {
		t.Fatalf("unexpected variant %#v", got)
	}
	if _, err := fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "balance", []any{ledgerID}, Options{Mode: ModeUpdate}); err != nil {
		t.Fatalf("update override: %v", err)
	}
	res, err = fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "notify", []any{"hi"}, Options{})
	if err != nil || len(res.Values) != 0 {
		t.Fatalf("oneway: %+v %v", res, err)
	}
	want := []agent.RequestKind{agent.KindQuery, agent.KindCall, "send"}
	for i, k := range want {
		if client.sent[i] != k {
			t.Fatalf("send order %v, want %v", client.sent, want)
		}
	}
}

func TestCallErrorClassification(t *testing.T) {
	nonce := []byte("fixed-nonce")
	cases := []struct {
		name      string
		method    string
		nonce     []byte
		err       error
		kind      ErrorKind
		transient bool
		retryable bool
	}{
		{"update timeout", "transfer", nil, &agent.TransportError{Kind: agent.TransportTimeout}, TransportError, true, false},
		{"update timeout with nonce", "transfer", nonce, &agent.TransportError{Kind: agent.TransportTimeout}, TransportError, true, true},
		{"query connection failure", "balance", nil, &agent.TransportError{Kind: agent.TransportConnectionFailed}, TransportError, true, true},
		{"malformed", "balance", nil, &agent.TransportError{Kind: agent.TransportMalformed}, TransportError, false, false},
		{"forbidden", "transfer", nil, &agent.HTTPError{Status: 403}, Unauthorized, false, false},
		{"unavailable", "balance", nil, &agent.HTTPError{Status: 503}, TransportError, true, true},
		{"bad request", "balance", nil, &agent.HTTPError{Status: 400}, TransportError, false, false},
		{"sys transient", "transfer", nonce, &agent.RejectError{Code: agent.RejectSysTransient}, Rejected, true, true},
		{"not authorized", "transfer", nil, &agent.RejectError{Code: 4, Message: "Caller is not authorized"}, Unauthorized, false, false},
		{"trap", "transfer", nil, &agent.RejectError{Code: 5, Message: "canister trapped"}, Rejected, false, false},
		{"deadline", "balance", nil, context.DeadlineExceeded, TransportError, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeClient(t)
			fx := newFixture(t, client)
			client.query = func(*agent.Request) ([]byte, error) { return nil, tc.err }
			client.submit = client.query
			args := []any{ledgerID}
			if tc.method == "transfer" {
				args = append(args, 1)
			}
			_, err := fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, tc.method, args, Options{Nonce: tc.nonce})
			ce := asCallError(t, err)
			if ce.Kind != tc.kind || ce.Transient() != tc.transient || ce.Retryable() != tc.retryable || ce.State != StateSent {
				t.Fatalf("got kind=%s transient=%v retryable=%v state=%s", ce.Kind, ce.Transient(), ce.Retryable(), ce.State)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause should be wrapped")
			}
		})
	}
}

func TestCallResponseDecodingError(t *testing.T) {
	client := newFakeClient(t)
	fx := newFixture(t, client)
	client.query = func(*agent.Request) ([]byte, error) { return fx.reply(t, "transfer", map[string]any{"Err": "x"}), nil }
	_, err := fx.ctl.Call(context.Background(), identity.Anonymous(), fx.entry, "balance", []any{ledgerID}, Options{})
	if ce := asCallError(t, err); ce.Kind != ResponseDecodingError || ce.State != StateSent {
		t.Fatalf("unexpected error %+v", ce)
	}
}

func TestNonceAndExpiryPinRequestID(t *testing.T) {
	client := newFakeClient(t)
	fx := newFixture(t, client)
	client.submit = func(*agent.Request) ([]byte, error) {
		return nil, &agent.TransportError{Kind: agent.TransportTimeout}
	}
	id, err := identity.Generate(identity.KeyEd25519)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	opts := Options{Nonce: []byte{1, 2, 3}, Expiry: time.Now().Add(time.Minute).Truncate(time.Second)}
	for i := 0; i < 2; i++ {
		_, err := fx.ctl.Call(context.Background(), id, fx.entry, "transfer", []any{ledgerID, 1}, opts)
		if ce := asCallError(t, err); !ce.Retryable() {
			t.Fatalf("pinned update timeout should be retryable")
		}
	}
	if len(client.ids) != 2 || client.ids[0] != client.ids[1] {
		t.Fatalf("retry must carry the same request id")
	}
	if string(client.specs[0].Nonce) != "\x01\x02\x03" {
		t.Fatalf("nonce not forwarded")
	}
}

type sentEnvelope struct {
	Content struct {
		RequestType string `cbor:"request_type"`
		MethodName  string `cbor:"method_name"`
		Sender      []byte `cbor:"sender"`
	} `cbor:"content"`
	SenderSig []byte `cbor:"sender_sig"`
}

func TestLedgerScenarioOverHTTP(t *testing.T) {
	doc, err := candid.Parse(ledgerDID)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	balance, _ := doc.Method("balance")
	balanceReply, _ := doc.EncodeArgs(balance.Results, []any{"123456789012345678901234567890"})

	var (
		mu        sync.Mutex
		envelopes []sentEnvelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env sentEnvelope
		if err := cbor.Unmarshal(body[3:], &env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		envelopes = append(envelopes, env)
		mu.Unlock()
		var resp map[string]any
		switch {
		case strings.HasSuffix(r.URL.Path, "/query"):
			resp = map[string]any{"status": "replied", "reply": map[string]any{"arg": balanceReply}}
		case strings.HasSuffix(r.URL.Path, "/call"):
			resp = map[string]any{"status": "non_replicated_rejection", "reject_code": 4, "reject_message": "caller not authorized"}
		default:
			http.NotFound(w, r)
			return
		}
		raw, _ := cbor.Marshal(resp)
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	tr, err := agent.NewHTTPTransport(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	a, err := agent.New(tr, agent.Config{SyncCall: true})
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	fx := newFixture(t, a)
	id, err := identity.Generate(identity.KeySecp256k1)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ctx := context.Background()

	_, err = fx.ctl.Call(ctx, id, fx.entry, "balance", []any{"aaaaa-aa-zz"}, Options{})
	if ce := asCallError(t, err); ce.Kind != ArgumentEncodingError {
		t.Fatalf("malformed principal: %+v", ce)
	}
	if len(envelopes) != 0 {
		t.Fatalf("malformed arguments must not reach the network")
	}

	res, err := fx.ctl.Call(ctx, id, fx.entry, "balance", []any{id.Principal().String()}, Options{})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got := NormalizeAll(res.Values)[0]; got != "123456789012345678901234567890" {
		t.Fatalf("unexpected balance %#v", got)
	}

	_, err = fx.ctl.Call(ctx, id, fx.entry, "transfer", []any{ledgerID, 10}, Options{})
	if ce := asCallError(t, err); ce.Kind != Unauthorized || ce.RejectCode != 4 {
		t.Fatalf("transfer: %+v", ce)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(envelopes) != 2 {
		t.Fatalf("expected two envelopes, got %d", len(envelopes))
	}
	for _, env := range envelopes {
		if string(env.Content.Sender) != string(id.Principal().Bytes()) || len(env.SenderSig) != 64 {
			t.Fatalf("envelope %s not sent as the identity", env.Content.MethodName)
		}
	}
	if envelopes[1].Content.RequestType != "call" || envelopes[1].Content.MethodName != "transfer" {
		t.Fatalf("unexpected transfer envelope %+v", envelopes[1].Content)
	}
}

func TestMetadataFetcher(t *testing.T) {
	client := newFakeClient(t)
	f := MetadataFetcher{Agents: map[string]Client{"mainnet": client}}
	entry := registry.Entry{Name: "ledger", CanisterID: principal.MustFromText(ledgerID), Network: "mainnet"}

	client.meta = func() ([]byte, error) { return []byte(ledgerDID), nil }
	if text, err := f.FetchInterface(context.Background(), entry); err != nil || text != ledgerDID {
		t.Fatalf("metadata: %v", err)
	}
	client.meta = func() ([]byte, error) { return nil, agent.ErrPathAbsent }
	if _, err := f.FetchInterface(context.Background(), entry); !errors.Is(err, registry.ErrNoInterface) {
		t.Fatalf("absent metadata should map to ErrNoInterface, got %v", err)
	}
	entry.Network = "local"
	if _, err := f.FetchInterface(context.Background(), entry); !errors.Is(err, registry.ErrNoInterface) {
		t.Fatalf("unknown network should map to ErrNoInterface, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	owner := principal.MustFromText(ledgerID)
	in := map[string]any{
		"owner":      owner,
		"subaccount": []byte{0xab, 0x01},
		"status":     map[string]any{"Active": nil},
		"amounts":    []any{big.NewInt(3), new(big.Int).Lsh(big.NewInt(1), 80)},
	}
	out := Normalize(in).(map[string]any)
	if out["owner"] != ledgerID || out["subaccount"] != "AB01" || out["status"] != "Active" {
		t.Fatalf("unexpected normalization %#v", out)
	}
	amounts := out["amounts"].([]any)
	if amounts[0] != int64(3) || amounts[1] != "1208925819614629174706176" {
		t.Fatalf("unexpected amounts %#v", amounts)
	}
}
