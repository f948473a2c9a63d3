// Package actor invokes canister methods by name: it resolves the method in
// the registry, encodes arguments, drives the agent and decodes results.
package actor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"icgate/go-backend/internal/agent"
	"icgate/go-backend/internal/candid"
	"icgate/go-backend/internal/principal"
	"icgate/go-backend/internal/registry"
)

// Mode overrides how a method is sent.
type Mode int

const (
	ModeDefault Mode = iota
	ModeQuery
	ModeUpdate
)

// ParseMode accepts "", "default", "query" and "update".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "default":
		return ModeDefault, nil
	case "query":
		return ModeQuery, nil
	case "update":
		return ModeUpdate, nil
	}
	return ModeDefault, fmt.Errorf("actor: unknown mode %q", s)
}

type State string

const (
	StateBuilding  State = "Building"
	StateSigned    State = "Signed"
	StateSent      State = "Sent"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
)

type Options struct {
	Mode Mode
	// Nonce and Expiry pin the request id of an update so that a retry is
	// deduplicated by the network.
	Nonce   []byte
	Expiry  time.Time
	Timeout time.Duration
}

type Result struct {
	Values    []any           `json:"values"`
	Method    string          `json:"method"`
	Mode      candid.CallMode `json:"mode"`
	RequestID string          `json:"request_id"`
	State     State           `json:"state"`
}

// Client is the part of *agent.Agent the controller drives.
type Client interface {
	Prepare(signer agent.Signer, spec agent.RequestSpec) (*agent.Request, error)
	Query(ctx context.Context, req *agent.Request) ([]byte, error)
	Submit(ctx context.Context, req *agent.Request) ([]byte, error)
	Send(ctx context.Context, req *agent.Request) error
	CanisterMetadata(ctx context.Context, signer agent.Signer, canister principal.Principal, name string) ([]byte, error)
}

// Resolver supplies interface documents by registry name.
type Resolver interface {
	ResolveMethods(ctx context.Context, name string) (*candid.Document, error)
	Touch(name string) error
}

// Observer receives call outcomes. It may be nil.
type Observer interface {
	ObserveCall(mode, outcome string, d time.Duration)
}

type Config struct {
	Resolver Resolver
	// Agents holds one client per network name.
	Agents         map[string]Client
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Observer       Observer
}

// Controller is safe for concurrent use; calls against different entries
// share no locks.
type Controller struct {
	resolver Resolver
	agents   map[string]Client
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("actor: resolver is required")
	}
	if len(cfg.Agents) == 0 {
		return nil, errors.New("actor: at least one network agent is required")
	}
	c := &Controller{
		resolver: cfg.Resolver,
		agents:   make(map[string]Client, len(cfg.Agents)),
		timeout:  cfg.DefaultTimeout,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
	for name, a := range cfg.Agents {
		c.agents[name] = a
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Minute
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// call tracks one invocation through its states.
type call struct {
	c      *Controller
	log    *slog.Logger
	method string
	mode   candid.CallMode
	nonce  bool
	state  State
	start  time.Time
}

func (k *call) advance(s State) {
	k.state = s
	k.log.Debug("actor.call.state", "state", s)
}

func (k *call) fail(kind ErrorKind, err error) *CallError {
	ce := &CallError{Kind: kind, Method: k.method, State: k.state, Mode: k.mode, NonceSupplied: k.nonce, Err: err}
	k.state = StateFailed
	k.log.Debug("actor.call.failed", "kind", kind, "in_state", ce.State, "error", err)
	k.c.observe(k.mode, string(kind), time.Since(k.start))
	return ce
}

// Call invokes method on entry as signer. Arguments are JSON-like values as
// accepted by candid.Document.EncodeArgs. Nothing is transmitted before the
// method is resolved and its arguments are encoded.
func (c *Controller) Call(ctx context.Context, signer agent.Signer, entry registry.Entry, method string, args []any, opts Options) (*Result, error) {
	k := &call{
		c:      c,
		log:    c.logger.With("canister", entry.Name, "method", method),
		method: method,
		nonce:  len(opts.Nonce) > 0,
		state:  StateBuilding,
		start:  time.Now(),
	}
	doc, err := c.resolver.ResolveMethods(ctx, entry.Name)
	if err != nil {
		return nil, err
	}
	m, ok := doc.Method(method)
	if !ok {
		return nil, k.fail(UnknownMethod, fmt.Errorf("%q is not in the interface of %s", method, entry.Name))
	}
	k.mode = m.Mode
	switch opts.Mode {
	case ModeQuery:
		k.mode = candid.ModeQuery
	case ModeUpdate:
		k.mode = candid.ModeUpdate
	}

	arg, err := doc.EncodeArgs(m.Args, args)
	if err != nil {
		ce := k.fail(ArgumentEncodingError, err)
		var ee *candid.EncodeError
		if errors.As(err, &ee) {
			ce.Field = ee.Path
		}
		return nil, ce
	}

	client, ok := c.agents[entry.Network]
	if !ok {
		ce := k.fail(TransportError, fmt.Errorf("no agent for network %q", entry.Network))
		ce.Transport = agent.TransportMalformed
		return nil, ce
	}
	kind := agent.KindCall
	if k.mode == candid.ModeQuery {
		kind = agent.KindQuery
	}
	req, err := client.Prepare(signer, agent.RequestSpec{
		Kind:     kind,
		Canister: entry.CanisterID,
		Method:   method,
		Arg:      arg,
		Nonce:    opts.Nonce,
		Expiry:   opts.Expiry,
	})
	if err != nil {
		return nil, k.fail(Unauthorized, err)
	}
	requestID := hex.EncodeToString(req.ID[:])
	k.log = k.log.With("request_id", requestID)
	k.advance(StateSigned)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	k.advance(StateSent)
	var reply []byte
	switch {
	case k.mode == candid.ModeQuery:
		reply, err = client.Query(sendCtx, req)
	case m.Oneway:
		err = client.Send(sendCtx, req)
	default:
		reply, err = client.Submit(sendCtx, req)
	}
	if err != nil {
		kind, tk, code := classify(err)
		ce := k.fail(kind, err)
		ce.Transport, ce.RejectCode = tk, code
		return nil, ce
	}

	var values []any
	if m.Oneway {
		values = []any{}
	} else if values, err = doc.DecodeResults(m.Results, reply); err != nil {
		ce := k.fail(ResponseDecodingError, err)
		var de *candid.DecodeError
		if errors.As(err, &de) {
			ce.Field = de.Path
		}
		return nil, ce
	}
	k.advance(StateCompleted)
	if err := c.resolver.Touch(entry.Name); err != nil {
		k.log.Debug("actor.call.touch_failed", "error", err)
	}
	c.observe(k.mode, "ok", time.Since(k.start))
	return &Result{Values: values, Method: method, Mode: k.mode, RequestID: requestID, State: StateCompleted}, nil
}

func (c *Controller) observe(mode candid.CallMode, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveCall(mode.String(), outcome, d)
	}
}
