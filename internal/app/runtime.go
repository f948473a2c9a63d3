package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"icgate/go-backend/internal/actor"
	"icgate/go-backend/internal/agent"
	"icgate/go-backend/internal/config"
	"icgate/go-backend/internal/identity"
	"icgate/go-backend/internal/platform/metrics"
	"icgate/go-backend/internal/registry"
	"icgate/go-backend/internal/securestore"
	"icgate/go-backend/internal/storage"
)

// Runtime is the process-wide context object. Fields are set once by
// NewRuntime and read-only afterwards.
type Runtime struct {
	Config     config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Store      storage.KV
	Identity   *identity.Manager
	Registry   *registry.Registry
	Agents     map[string]*agent.Agent
	Controller *actor.Controller
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Logger *slog.Logger
	// Store replaces the configured storage backend.
	Store storage.KV
	// HTTPClient is used by network agents and the dashboard fetcher.
	HTTPClient *http.Client
	Now        func() time.Time
}

func NewRuntime(ctx context.Context, cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Agent.CallTimeout}
	}
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: metrics.New()}

	store := opts.Store
	if store == nil {
		var err error
		store, err = storage.Open(ctx, storageConfig(cfg.Storage))
		if err != nil {
			return nil, fmt.Errorf("app: open storage: %w", err)
		}
	}
	rt.Store = store

	var key securestore.Key
	if cfg.Identity.Passphrase != "" {
		key = securestore.Passphrase(cfg.Identity.Passphrase)
	} else {
		logger.Warn("ICGW_IDENTITY_PASSPHRASE is not set; running as the anonymous identity")
	}
	mgr, err := identity.NewManager(identity.Options{
		Store:      store,
		Key:        key,
		KeyType:    identity.KeyType(cfg.Identity.KeyType),
		Logger:     logger.With("component", "identity"),
		Now:        opts.Now,
		PhraseBits: cfg.Identity.PhraseBits,
		Observer:   rt.Metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("app: load identity: %w", err)
	}
	rt.Identity = mgr

	rt.Agents = make(map[string]*agent.Agent, len(cfg.Networks))
	clients := make(map[string]actor.Client, len(cfg.Networks))
	for _, name := range sortedNetworks(cfg) {
		a, err := newAgent(name, cfg.Networks[name], cfg.Agent, client, logger, opts.Now)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rt.Agents[name] = a
		clients[name] = a
	}

	reg, err := registry.New(registry.Options{
		Store:          store,
		Fetcher:        fetcherChain(cfg.Interfaces, clients, client),
		Networks:       sortedNetworks(cfg),
		DefaultNetwork: cfg.DefaultNetwork,
		Logger:         logger.With("component", "registry"),
		Now:            opts.Now,
		Observer:       rt.Metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := reg.Load(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("app: load registry: %w", err)
	}
	rt.Registry = reg

	ctrl, err := actor.NewController(actor.Config{
		Resolver:       reg,
		Agents:         clients,
		DefaultTimeout: cfg.Agent.CallTimeout,
		Logger:         logger.With("component", "actor"),
		Observer:       rt.Metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rt.Controller = ctrl

	logger.Info("runtime ready",
		"principal", mgr.Public().Principal,
		"networks", len(rt.Agents),
		"entries", len(reg.List()),
		"storage", cfg.Storage.Backend,
	)
	return rt, nil
}

// Close flushes the registry and releases the store.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Registry != nil {
		if err := rt.Registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close registry: %w", err))
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newAgent(name string, n config.NetworkConfig, ac config.AgentConfig, client *http.Client, logger *slog.Logger, now func() time.Time) (*agent.Agent, error) {
	base, err := n.URL()
	if err != nil {
		return nil, fmt.Errorf("app: network %q: %w", name, err)
	}
	rootKey, err := n.RootKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("app: network %q: %w", name, err)
	}
	transport, err := agent.NewHTTPTransport(base, client)
	if err != nil {
		return nil, fmt.Errorf("app: network %q: %w", name, err)
	}
	return agent.New(transport, agent.Config{
		RootKey:           rootKey,
		FetchRootKey:      n.FetchRootKey,
		IngressExpiry:     ac.IngressExpiry,
		PollInitial:       ac.PollInitial,
		PollMax:           ac.PollMax,
		MaxCertificateAge: ac.MaxCertificateAge,
		SyncCall:          ac.SyncCall,
		Logger:            logger.With("component", "agent", "network", name),
		Now:               now,
	})
}

// fetcherChain tries the local interface folder, then certified canister
// metadata, then the public dashboard.
func fetcherChain(ic config.InterfacesConfig, clients map[string]actor.Client, client *http.Client) registry.Fetcher {
	var chain registry.ChainFetcher
	if ic.Dir != "" {
		chain = append(chain, registry.DirFetcher{Dir: ic.Dir})
	}
	if ic.Metadata {
		chain = append(chain, actor.MetadataFetcher{Agents: clients})
	}
	if ic.Dashboard {
		chain = append(chain, registry.DashboardFetcher{Client: client})
	}
	return chain
}

func storageConfig(sc config.StorageConfig) storage.Config {
	return storage.Config{
		Backend: sc.Backend,
		Dir:     sc.Dir,
		Redis: storage.RedisConfig{
			Address:   sc.Redis.Address,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			Namespace: sc.Redis.Namespace,
		},
		MySQL: storage.MySQLConfig{
			DSN:             sc.MySQL.DSN,
			Table:           sc.MySQL.Table,
			MaxOpenConns:    sc.MySQL.MaxOpenConns,
			MaxIdleConns:    sc.MySQL.MaxIdleConns,
			ConnMaxLifetime: sc.MySQL.ConnMaxLifetime,
		},
	}
}

func sortedNetworks(cfg config.Config) []string {
	names := cfg.NetworkNames()
	sort.Strings(names)
	return names
}
