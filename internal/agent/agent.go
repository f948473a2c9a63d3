// Package agent implements the client side of the network's HTTPS request
// protocol: signed CBOR envelopes, query and update endpoints, read_state
// polling and certificate verification.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-varint"

	"icgate/go-backend/internal/principal"
)

const selfDescribeTag = 55799

// Signer is the identity an envelope is sent as.
type Signer interface {
	Principal() principal.Principal
	// PublicKey is the DER public key, empty for the anonymous sender.
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

type Config struct {
	// RootKey is the DER root key. Empty means MainnetRootKey unless
	// FetchRootKey is set.
	RootKey []byte
	// FetchRootKey reads the key from /api/v2/status. Only for local replicas.
	FetchRootKey  bool
	IngressExpiry time.Duration
	PollInitial   time.Duration
	PollMax       time.Duration
	PollFactor    float64
	// MaxCertificateAge rejects certificates older than this; zero disables
	// the check.
	MaxCertificateAge time.Duration
	// SyncCall submits updates to the v3 endpoint that may answer with a
	// certificate directly.
	SyncCall bool
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *Config) defaults() {
	if c.IngressExpiry <= 0 {
		c.IngressExpiry = 4 * time.Minute
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 500 * time.Millisecond
	}
	if c.PollMax <= 0 {
		c.PollMax = 5 * time.Second
	}
	if c.PollFactor < 1 {
		c.PollFactor = 1.4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Agent struct {
	cfg       Config
	transport Transport

	mu      sync.Mutex
	rootKey []byte
}

func New(transport Transport, cfg Config) (*Agent, error) {
	if transport == nil {
		return nil, errors.New("agent: transport is required")
	}
	cfg.defaults()
	a := &Agent{cfg: cfg, transport: transport}
	switch {
	case len(cfg.RootKey) > 0:
		a.rootKey = append([]byte(nil), cfg.RootKey...)
	case !cfg.FetchRootKey:
		a.rootKey = MainnetRootKey
	}
	return a, nil
}

// RejectError is an application-level refusal by the network or canister.
type RejectError struct {
	Code      uint64
	Message   string
	ErrorCode string
}

func (e *RejectError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("agent: rejected (code %d, %s): %s", e.Code, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("agent: rejected (code %d): %s", e.Code, e.Message)
}

// Reject codes.
const (
	RejectSysFatal           uint64 = 1
	RejectSysTransient       uint64 = 2
	RejectDestinationInvalid uint64 = 3
	RejectCanisterReject     uint64 = 4
	RejectCanisterError      uint64 = 5
)

// ErrPathAbsent is returned when a read_state path is not certified.
var ErrPathAbsent = errors.New("agent: path is not in the certified state")

// ErrReplyPruned is returned when the status is done and the reply is gone.
var ErrReplyPruned = errors.New("agent: request is done but the reply is no longer available")

type RequestKind string

const (
	KindQuery RequestKind = "query"
	KindCall  RequestKind = "call"
)

// RequestSpec describes one method invocation.
type RequestSpec struct {
	Kind     RequestKind
	Canister principal.Principal
	Method   string
	Arg      []byte
	// Nonce and Expiry pin the request id; a resubmission with both equal is
	// the same request to the network.
	Nonce  []byte
	Expiry time.Time
}

// Request is a signed envelope ready to send.
type Request struct {
	ID       RequestID
	Kind     RequestKind
	Canister principal.Principal
	Method   string
	Expiry   time.Time
	Body     []byte
	signer   Signer
}

type envelope struct {
	Content      *Content `cbor:"content"`
	SenderPubKey []byte   `cbor:"sender_pubkey,omitempty"`
	SenderSig    []byte   `cbor:"sender_sig,omitempty"`
}

// Expiry returns an ingress expiry rounded down to the second.
func (a *Agent) Expiry() time.Time {
	return a.cfg.Now().Add(a.cfg.IngressExpiry).Truncate(time.Second)
}

// Prepare builds and signs an envelope. Nothing is sent.
func (a *Agent) Prepare(signer Signer, spec RequestSpec) (*Request, error) {
	expiry := spec.Expiry
	if expiry.IsZero() {
		expiry = a.Expiry()
	}
	content := &Content{
		RequestType:   string(spec.Kind),
		CanisterID:    spec.Canister.Bytes(),
		MethodName:    spec.Method,
		Arg:           spec.Arg,
		Sender:        signer.Principal().Bytes(),
		IngressExpiry: uint64(expiry.UnixNano()),
		Nonce:         spec.Nonce,
	}
	body, id, err := a.seal(signer, content)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Kind: spec.Kind, Canister: spec.Canister, Method: spec.Method, Expiry: expiry, Body: body, signer: signer}, nil
}

func (a *Agent) seal(signer Signer, content *Content) ([]byte, RequestID, error) {
	id := content.ID()
	env := envelope{Content: content}
	if !signer.Principal().IsAnonymous() {
		sig, err := signer.Sign(id.SigningPayload())
		if err != nil {
			return nil, id, fmt.Errorf("agent: sign request: %w", err)
		}
		env.SenderPubKey = signer.PublicKey()
		env.SenderSig = sig
	}
	body, err := cbor.Marshal(cbor.Tag{Number: selfDescribeTag, Content: env})
	if err != nil {
		return nil, id, fmt.Errorf("agent: encode envelope: %w", err)
	}
	return body, id, nil
}

// NewNonce returns random bytes suitable for RequestSpec.Nonce.
func NewNonce() ([]byte, error) {
	n := make([]byte, 16)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

type queryResponse struct {
	Status string `cbor:"status"`
	Reply  struct {
		Arg []byte `cbor:"arg"`
	} `cbor:"reply"`
	RejectCode    uint64 `cbor:"reject_code"`
	RejectMessage string `cbor:"reject_message"`
	ErrorCode     string `cbor:"error_code"`
}

func (r *queryResponse) reject() *RejectError {
	return &RejectError{Code: r.RejectCode, Message: r.RejectMessage, ErrorCode: r.ErrorCode}
}

// Query sends a read-only request and returns the reply argument.
// Replica signatures on query responses are not verified.
func (a *Agent) Query(ctx context.Context, req *Request) ([]byte, error) {
	path := "/api/v2/canister/" + req.Canister.String() + "/query"
	resp, err := a.post(ctx, path, req.Body)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &HTTPError{Status: resp.Status, Body: truncate(resp.Body)}
	}
	var qr queryResponse
	if err := decodeCBOR(resp.Body, &qr); err != nil {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: path, Status: resp.Status, Err: err}
	}
	switch qr.Status {
	case "replied":
		return qr.Reply.Arg, nil
	case "rejected":
		return nil, qr.reject()
	default:
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: path, Err: fmt.Errorf("unknown query status %q", qr.Status)}
	}
}

type callResponse struct {
	Status        string `cbor:"status"`
	Certificate   []byte `cbor:"certificate"`
	RejectCode    uint64 `cbor:"reject_code"`
	RejectMessage string `cbor:"reject_message"`
	ErrorCode     string `cbor:"error_code"`
}

// Submit sends an update and waits for its certified outcome. Polling only
// reads status; the call itself is sent once.
func (a *Agent) Submit(ctx context.Context, req *Request) ([]byte, error) {
	version := "v2"
	if a.cfg.SyncCall {
		version = "v3"
	}
	path := "/api/" + version + "/canister/" + req.Canister.String() + "/call"
	resp, err := a.post(ctx, path, req.Body)
	if err != nil {
		return nil, err
	}
	log := a.cfg.Logger.With("request_id", hex.EncodeToString(req.ID[:]), "method", req.Method)
	switch resp.Status {
	case http.StatusAccepted:
		log.Debug("agent.call.accepted")
		return a.poll(ctx, req)
	case http.StatusOK:
	default:
		return nil, &HTTPError{Status: resp.Status, Body: truncate(resp.Body)}
	}
	if len(resp.Body) == 0 {
		return a.poll(ctx, req)
	}
	var cr callResponse
	if err := decodeCBOR(resp.Body, &cr); err != nil {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: path, Status: resp.Status, Err: err}
	}
	switch cr.Status {
	case "replied":
		cert, err := a.verified(ctx, cr.Certificate, req.Canister)
		if err != nil {
			return nil, err
		}
		reply, done, err := requestOutcome(cert, req.ID)
		if err != nil || done {
			return reply, err
		}
		log.Debug("agent.call.pending_after_sync")
		return a.poll(ctx, req)
	case "non_replicated_rejection":
		return nil, &RejectError{Code: cr.RejectCode, Message: cr.RejectMessage, ErrorCode: cr.ErrorCode}
	case "accepted", "":
		return a.poll(ctx, req)
	default:
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: path, Err: fmt.Errorf("unknown call status %q", cr.Status)}
	}
}

// Send submits an update without waiting for its outcome. It is used for
// oneway methods, which never reply.
func (a *Agent) Send(ctx context.Context, req *Request) error {
	path := "/api/v2/canister/" + req.Canister.String() + "/call"
	resp, err := a.post(ctx, path, req.Body)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusAccepted && resp.Status != http.StatusOK {
		return &HTTPError{Status: resp.Status, Body: truncate(resp.Body)}
	}
	return nil
}

func (a *Agent) poll(ctx context.Context, req *Request) ([]byte, error) {
	delay := a.cfg.PollInitial
	paths := [][][]byte{{[]byte("request_status"), req.ID[:]}}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &TransportError{Kind: TransportTimeout, Endpoint: "read_state", Err: ctx.Err()}
		case <-timer.C:
		}
		cert, err := a.readState(ctx, req.signer, req.Canister, paths)
		if err != nil {
			return nil, err
		}
		reply, done, err := requestOutcome(cert, req.ID)
		if err != nil || done {
			return reply, err
		}
		a.cfg.Logger.Debug("agent.poll.pending", "attempt", attempt, "delay", delay)
		delay = time.Duration(float64(delay) * a.cfg.PollFactor)
		if delay > a.cfg.PollMax {
			delay = a.cfg.PollMax
		}
		timer.Reset(delay)
	}
}

// requestOutcome reads request_status/<id>. done is false while the request
// is still unknown, received or processing.
func requestOutcome(cert *Certificate, id RequestID) ([]byte, bool, error) {
	prefix := [][]byte{[]byte("request_status"), id[:]}
	res, status := cert.Tree.Lookup(append(prefix, []byte("status"))...)
	if res != LookupFound {
		return nil, false, nil
	}
	switch string(status) {
	case "replied":
		res, reply := cert.Tree.Lookup(append(prefix, []byte("reply"))...)
		if res != LookupFound {
			return nil, true, &TransportError{Kind: TransportMalformed, Endpoint: "read_state", Err: errors.New("replied without reply")}
		}
		return reply, true, nil
	case "rejected":
		rej := &RejectError{}
		if _, code := cert.Tree.Lookup(append(prefix, []byte("reject_code"))...); code != nil {
			v, err := readNat(code)
			if err != nil {
				return nil, true, &TransportError{Kind: TransportMalformed, Endpoint: "read_state", Err: err}
			}
			rej.Code = v
		}
		if _, msg := cert.Tree.Lookup(append(prefix, []byte("reject_message"))...); msg != nil {
			rej.Message = string(msg)
		}
		if _, code := cert.Tree.Lookup(append(prefix, []byte("error_code"))...); code != nil {
			rej.ErrorCode = string(code)
		}
		return nil, true, rej
	case "done":
		return nil, true, ErrReplyPruned
	default:
		return nil, false, nil
	}
}

// ReadState returns a verified certificate for paths.
func (a *Agent) ReadState(ctx context.Context, signer Signer, canister principal.Principal, paths [][][]byte) (*Certificate, error) {
	return a.readState(ctx, signer, canister, paths)
}

type readStateResponse struct {
	Certificate []byte `cbor:"certificate"`
}

func (a *Agent) readState(ctx context.Context, signer Signer, canister principal.Principal, paths [][][]byte) (*Certificate, error) {
	content := &Content{
		RequestType:   "read_state",
		Sender:        signer.Principal().Bytes(),
		IngressExpiry: uint64(a.Expiry().UnixNano()),
		Paths:         paths,
	}
	body, _, err := a.seal(signer, content)
	if err != nil {
		return nil, err
	}
	path := "/api/v2/canister/" + canister.String() + "/read_state"
	resp, err := a.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &HTTPError{Status: resp.Status, Body: truncate(resp.Body)}
	}
	var rs readStateResponse
	if err := decodeCBOR(resp.Body, &rs); err != nil {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: path, Err: err}
	}
	return a.verified(ctx, rs.Certificate, canister)
}

func (a *Agent) verified(ctx context.Context, raw []byte, canister principal.Principal) (*Certificate, error) {
	cert, err := ParseCertificate(raw)
	if err != nil {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: "certificate", Err: err}
	}
	root, err := a.RootKey(ctx)
	if err != nil {
		return nil, err
	}
	v := &verifier{rootKey: root, maxAge: a.cfg.MaxCertificateAge, now: a.cfg.Now}
	if err := v.Verify(cert, canister); err != nil {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: "certificate", Err: err}
	}
	return cert, nil
}

// Status is the replica's /api/v2/status reply.
type Status struct {
	RootKey       []byte `cbor:"root_key" json:"-"`
	ImplVersion   string `cbor:"impl_version" json:"impl_version,omitempty"`
	ReplicaHealth string `cbor:"replica_health_status" json:"replica_health_status,omitempty"`
}

// Status reads the replica status. It carries no certificate and is only
// used for reachability and local root keys.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	resp, err := a.transport.Get(ctx, "/api/v2/status")
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &HTTPError{Status: resp.Status, Body: truncate(resp.Body)}
	}
	var st Status
	if err := decodeCBOR(resp.Body, &st); err != nil {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: "/api/v2/status", Err: err}
	}
	return &st, nil
}

// RootKey returns the configured key, fetching it once when allowed.
func (a *Agent) RootKey(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	key := a.rootKey
	a.mu.Unlock()
	if key != nil {
		return key, nil
	}
	st, err := a.Status(ctx)
	if err != nil {
		return nil, err
	}
	if len(st.RootKey) == 0 {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: "/api/v2/status", Err: errors.New("status without root key")}
	}
	a.mu.Lock()
	if a.rootKey == nil {
		a.rootKey = st.RootKey
	}
	key = a.rootKey
	a.mu.Unlock()
	a.cfg.Logger.Info("agent.root_key.fetched", "bytes", len(key))
	return key, nil
}

// CanisterMetadata reads canister/<id>/metadata/<name> from certified state.
func (a *Agent) CanisterMetadata(ctx context.Context, signer Signer, canister principal.Principal, name string) ([]byte, error) {
	path := [][]byte{[]byte("canister"), canister.Bytes(), []byte("metadata"), []byte(name)}
	cert, err := a.readState(ctx, signer, canister, [][][]byte{path})
	if err != nil {
		return nil, err
	}
	res, value := cert.Tree.Lookup(path...)
	if res != LookupFound {
		return nil, fmt.Errorf("%w: metadata %q is %s", ErrPathAbsent, name, res)
	}
	return value, nil
}

func (a *Agent) post(ctx context.Context, path string, body []byte) (*Response, error) {
	resp, err := a.transport.Post(ctx, path, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Kind: TransportTimeout, Endpoint: path, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func decodeCBOR(data []byte, v any) error {
	return cbor.Unmarshal(stripSelfDescribe(data), v)
}

func readNat(b []byte) (uint64, error) {
	v, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, fmt.Errorf("nat: %w", err)
	}
	if n != len(b) {
		return 0, errors.New("trailing bytes after nat")
	}
	return v, nil
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
