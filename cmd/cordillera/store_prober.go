package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
)

// ===== INTERFACES =====

// StoreProber reports whether a persistent store is ready to serve.
//
// # Description
//
// Used twice per session: during validation to confirm both stores are
// reachable before anything mutates, and after a restore to confirm the
// store came back. Ready returns false with a nil error for a reachable
// but not-yet-ready store, and an error when the store cannot be
// reached at all.
type StoreProber interface {
	// StoreID names the store this prober targets.
	StoreID() string

	// Ready reports readiness.
	Ready(ctx context.Context) (bool, error)
}

// NewStoreProber builds the prober matching the store's kind.
func NewStoreProber(store config.StoreConfig) (StoreProber, error) {
	switch store.Kind {
	case "weaviate":
		return NewWeaviateProber(store)
	case "influxdb":
		return NewInfluxProber(store), nil
	case "custom":
		return NewTCPProber(store)
	default:
		return nil, fmt.Errorf("unknown store kind %q for store %s", store.Kind, store.ID)
	}
}

// ===== WEAVIATE =====

// WeaviateProber checks the vector store's readiness endpoint through
// the official client.
type WeaviateProber struct {
	storeID string
	client  *weaviate.Client
}

var _ StoreProber = (*WeaviateProber)(nil)

// NewWeaviateProber builds a prober from the store's URL.
func NewWeaviateProber(store config.StoreConfig) (*WeaviateProber, error) {
	parsed, err := url.Parse(store.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing weaviate URL for store %s: %w", store.ID, err)
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("building weaviate client for store %s: %w", store.ID, err)
	}
	return &WeaviateProber{storeID: store.ID, client: client}, nil
}

func (p *WeaviateProber) StoreID() string { return p.storeID }

func (p *WeaviateProber) Ready(ctx context.Context) (bool, error) {
	ready, err := p.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("weaviate readiness check for %s: %w", p.storeID, err)
	}
	return ready, nil
}

// ===== INFLUXDB =====

// InfluxProber checks the timeseries store with the official client's
// ping endpoint.
type InfluxProber struct {
	storeID string
	client  influxdb2.Client
}

var _ StoreProber = (*InfluxProber)(nil)

// NewInfluxProber builds a prober from the store's URL and token.
func NewInfluxProber(store config.StoreConfig) *InfluxProber {
	return &InfluxProber{
		storeID: store.ID,
		client:  influxdb2.NewClient(store.URL, store.Token),
	}
}

func (p *InfluxProber) StoreID() string { return p.storeID }

func (p *InfluxProber) Ready(ctx context.Context) (bool, error) {
	ok, err := p.client.Ping(ctx)
	if err != nil {
		return false, fmt.Errorf("influxdb ping for %s: %w", p.storeID, err)
	}
	return ok, nil
}

// ===== CUSTOM =====

// TCPProber is the fallback for custom stores: ready when the port
// accepts a connection.
type TCPProber struct {
	storeID string
	addr    string
}

var _ StoreProber = (*TCPProber)(nil)

// NewTCPProber extracts host:port from the store URL.
func NewTCPProber(store config.StoreConfig) (*TCPProber, error) {
	addr := store.URL
	if strings.Contains(addr, "://") {
		parsed, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing URL for store %s: %w", store.ID, err)
		}
		addr = parsed.Host
	}
	if addr == "" {
		return nil, fmt.Errorf("store %s has no probe address", store.ID)
	}
	return &TCPProber{storeID: store.ID, addr: addr}, nil
}

func (p *TCPProber) StoreID() string { return p.storeID }

func (p *TCPProber) Ready(ctx context.Context) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// ===== AGGREGATION =====

// probeStores checks every store in parallel and returns the IDs of
// stores that are not ready, sorted by input order.
func probeStores(ctx context.Context, probers []StoreProber, timeout time.Duration) []string {
	type outcome struct {
		idx      int
		notReady bool
	}
	results := make([]outcome, len(probers))
	var wg sync.WaitGroup
	for i, p := range probers {
		wg.Add(1)
		go func(idx int, prober StoreProber) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			ready, err := prober.Ready(probeCtx)
			results[idx] = outcome{idx: idx, notReady: err != nil || !ready}
		}(i, p)
	}
	wg.Wait()

	var notReady []string
	for i, r := range results {
		if r.notReady {
			notReady = append(notReady, probers[i].StoreID())
		}
	}
	return notReady
}

// ===== MOCK =====

// MockStoreProber records calls for tests.
type MockStoreProber struct {
	ID        string
	ReadyFunc func(ctx context.Context) (bool, error)

	ReadyCalls int
	mu         sync.Mutex
}

var _ StoreProber = (*MockStoreProber)(nil)

func (m *MockStoreProber) StoreID() string { return m.ID }

func (m *MockStoreProber) Ready(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.ReadyCalls++
	m.mu.Unlock()
	if m.ReadyFunc != nil {
		return m.ReadyFunc(ctx)
	}
	return true, nil
}
