package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher retrieves the interface text of a canister.
type Fetcher interface {
	FetchInterface(ctx context.Context, entry Entry) (string, error)
}

type FetcherFunc func(ctx context.Context, entry Entry) (string, error)

func (f FetcherFunc) FetchInterface(ctx context.Context, entry Entry) (string, error) {
	return f(ctx, entry)
}

// DirFetcher reads <dir>/<canister-id>.did, then <dir>/<name>.did.
type DirFetcher struct {
	Dir string
}

func (d DirFetcher) FetchInterface(_ context.Context, entry Entry) (string, error) {
	if strings.TrimSpace(d.Dir) == "" {
		return "", ErrNoInterface
	}
	for _, base := range []string{entry.CanisterID.String(), entry.Name} {
		raw, err := os.ReadFile(filepath.Join(d.Dir, base+".did"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	return "", ErrNoInterface
}

// ChainFetcher tries each fetcher in order and returns the first text.
type ChainFetcher []Fetcher

func (c ChainFetcher) FetchInterface(ctx context.Context, entry Entry) (string, error) {
	var errs []error
	for _, f := range c {
		text, err := f.FetchInterface(ctx, entry)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, ErrNoInterface) {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return "", ErrNoInterface
	}
	return "", errors.Join(errs...)
}

const DefaultDashboardURL = "https://ic-api.internetcomputer.org/api/v3/canisters/"

// DashboardFetcher reads the interface published by the public dashboard
// API. It only knows mainnet canisters.
type DashboardFetcher struct {
	BaseURL string
	Client  *http.Client
}

type dashboardCanister struct {
	CandidInterface string `json:"candid_interface"`
	Interface       string `json:"interface"`
}

func (d DashboardFetcher) FetchInterface(ctx context.Context, entry Entry) (string, error) {
	if entry.Network != "" && entry.Network != "mainnet" {
		return "", ErrNoInterface
	}
	base := d.BaseURL
	if base == "" {
		base = DefaultDashboardURL
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+entry.CanisterID.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dashboard: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoInterface
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dashboard: http %d", resp.StatusCode)
	}
	var body dashboardCanister
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("dashboard: %w", err)
	}
	text := body.CandidInterface
	if text == "" {
		text = body.Interface
	}
	if !looksLikeInterface(text) {
		return "", ErrNoInterface
	}
	return text, nil
}

func looksLikeInterface(text string) bool {
	return strings.Contains(text, "service") || strings.Contains(text, "type")
}
