// Package config loads the daemon configuration from YAML with ICGW_*
// environment overrides. Secrets are read from the environment only.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultNetwork string                   `yaml:"defaultNetwork"`
	RPC            RPCConfig                `yaml:"rpc"`
	Log            LogConfig                `yaml:"log"`
	Storage        StorageConfig            `yaml:"storage"`
	Identity       IdentityConfig           `yaml:"identity"`
	Agent          AgentConfig              `yaml:"agent"`
	Networks       map[string]NetworkConfig `yaml:"networks"`
	Interfaces     InterfacesConfig         `yaml:"interfaces"`
}

type RPCConfig struct {
	Listen         string  `yaml:"listen"`
	RateLimitRPS   float64 `yaml:"rateLimitRps"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
	MaxBodyBytes   int64   `yaml:"maxBodyBytes"`
	// Token is the bearer token clients must present. Env only.
	Token string `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
	MySQL   MySQLConfig `yaml:"mysql"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
	Password  string `yaml:"-"`
}

type MySQLConfig struct {
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	DSN             string        `yaml:"-"`
}

type IdentityConfig struct {
	KeyType    string `yaml:"keyType"`
	PhraseBits int    `yaml:"phraseBits"`
	// Passphrase seals the identity record. Env only.
	Passphrase string `yaml:"-"`
}

type AgentConfig struct {
	IngressExpiry     time.Duration `yaml:"ingressExpiry"`
	PollInitial       time.Duration `yaml:"pollInitial"`
	PollMax           time.Duration `yaml:"pollMax"`
	CallTimeout       time.Duration `yaml:"callTimeout"`
	MaxCertificateAge time.Duration `yaml:"maxCertificateAge"`
	SyncCall          bool          `yaml:"syncCall"`
}

type NetworkConfig struct {
	// Endpoint is an http(s) URL or a multiaddr such as
	// /dns4/icp-api.io/tcp/443/https.
	Endpoint     string `yaml:"endpoint"`
	RootKey      string `yaml:"rootKey"`
	FetchRootKey bool   `yaml:"fetchRootKey"`
}

type InterfacesConfig struct {
	Dir       string `yaml:"dir"`
	Metadata  bool   `yaml:"metadata"`
	Dashboard bool   `yaml:"dashboard"`
}

func Default() Config {
	return Config{
		DefaultNetwork: "mainnet",
		RPC: RPCConfig{
			Listen:         "127.0.0.1:8099",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxBodyBytes:   1 << 20,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Storage:  StorageConfig{Backend: "file", Dir: "data"},
		Identity: IdentityConfig{KeyType: "secp256k1", PhraseBits: 128},
		Agent: AgentConfig{
			IngressExpiry:     4 * time.Minute,
			PollInitial:       500 * time.Millisecond,
			PollMax:           5 * time.Second,
			CallTimeout:       2 * time.Minute,
			MaxCertificateAge: 5 * time.Minute,
		},
		Networks: map[string]NetworkConfig{
			"mainnet": {Endpoint: "https://icp-api.io"},
			"local":   {Endpoint: "http://127.0.0.1:4943", FetchRootKey: true},
		},
		Interfaces: InterfacesConfig{Dir: "data/interfaces", Metadata: true, Dashboard: true},
	}
}

// Load reads path, or the first of the default locations that exists, merges
// it onto Default and applies environment overrides. A missing file is not
// an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	candidates := []string{path}
	if path == "" {
		candidates = []string{"configs/config.yaml", "config.yaml"}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) && path == "" {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", p, err)
		}
		break
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides settings from ICGW_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ICGW_DEFAULT_NETWORK", &cfg.DefaultNetwork)
	str("ICGW_RPC_LISTEN", &cfg.RPC.Listen)
	str("ICGW_RPC_TOKEN", &cfg.RPC.Token)
	str("ICGW_LOG_LEVEL", &cfg.Log.Level)
	str("ICGW_LOG_FORMAT", &cfg.Log.Format)
	str("ICGW_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("ICGW_STORAGE_DIR", &cfg.Storage.Dir)
	str("ICGW_REDIS_ADDRESS", &cfg.Storage.Redis.Address)
	str("ICGW_REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	str("ICGW_MYSQL_DSN", &cfg.Storage.MySQL.DSN)
	str("ICGW_IDENTITY_KEY_TYPE", &cfg.Identity.KeyType)
	str("ICGW_INTERFACES_DIR", &cfg.Interfaces.Dir)
	if v, ok := lookup("ICGW_IDENTITY_PASSPHRASE"); ok {
		cfg.Identity.Passphrase = v
	}
	if v, ok := lookup("ICGW_SYNC_CALL"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: ICGW_SYNC_CALL: %w", err)
		}
		cfg.Agent.SyncCall = b
	}
	if v, ok := lookup("ICGW_CALL_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: ICGW_CALL_TIMEOUT: %w", err)
		}
		cfg.Agent.CallTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	if len(c.Networks) == 0 {
		return errors.New("config: at least one network is required")
	}
	if _, ok := c.Networks[c.DefaultNetwork]; !ok {
		return fmt.Errorf("config: default network %q is not configured", c.DefaultNetwork)
	}
	for name, n := range c.Networks {
		if _, err := n.URL(); err != nil {
			return fmt.Errorf("config: network %q: %w", name, err)
		}
		if _, err := n.RootKeyBytes(); err != nil {
			return fmt.Errorf("config: network %q: %w", name, err)
		}
	}
	switch c.Identity.PhraseBits {
	case 128, 160, 192, 224, 256:
	default:
		return fmt.Errorf("config: identity phraseBits %d is not a BIP39 size", c.Identity.PhraseBits)
	}
	return nil
}

// NetworkNames lists configured network names.
func (c Config) NetworkNames() []string {
	out := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		out = append(out, name)
	}
	return out
}

func (n NetworkConfig) RootKeyBytes() ([]byte, error) {
	if strings.TrimSpace(n.RootKey) == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(n.RootKey))
	if err != nil {
		return nil, fmt.Errorf("rootKey: %w", err)
	}
	return key, nil
}

// URL returns the endpoint as a base URL.
func (n NetworkConfig) URL() (string, error) {
	ep := strings.TrimSpace(n.Endpoint)
	if ep == "" {
		return "", errors.New("endpoint is required")
	}
	if strings.HasPrefix(ep, "/") {
		return multiaddrURL(ep)
	}
	u, err := url.Parse(ep)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("endpoint %q must be an http(s) URL or a multiaddr", ep)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func multiaddrURL(s string) (string, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", fmt.Errorf("endpoint multiaddr: %w", err)
	}
	var host string
	for _, code := range []int{ma.P_DNS4, ma.P_DNS6, ma.P_DNS, ma.P_IP4, ma.P_IP6} {
		if v, err := addr.ValueForProtocol(code); err == nil {
			host = v
			if code == ma.P_IP6 {
				host = "[" + v + "]"
			}
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("endpoint multiaddr %q has no host", s)
	}
	scheme := "http"
	if _, err := addr.ValueForProtocol(ma.P_HTTPS); err == nil {
		scheme = "https"
	} else if _, err := addr.ValueForProtocol(ma.P_TLS); err == nil {
		scheme = "https"
	}
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("endpoint multiaddr %q has no tcp port", s)
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return scheme + "://" + host, nil
	}
	return scheme + "://" + host + ":" + port, nil
}
