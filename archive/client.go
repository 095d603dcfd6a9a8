// Package archive is a thin client for the external log-archive service
// described in spec §6, grounded on Subsquid.py: a manifest endpoint maps
// chain id -> gateway, the gateway hands out a per-block-range worker URL,
// and the worker answers bulk log-filter queries faster than a node's
// eth_getLogs. The protocol is treated as an opaque external HTTP API (§1);
// this client implements only its documented request/response shape.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

const manifestPath = "/archives/evm.json"

// Query is the log filter the caller wants answered, in plain form (no
// symbolic tags, no hash witnesses — those are the LogRetriever's concern).
type Query struct {
	Address   []common.Address
	Topics    [][]common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// Log is one archive-returned log entry (Subsquid.py's LogReceipt
// construction from a worker response block group).
type Log struct {
	Address     common.Address
	BlockHash   common.Hash
	BlockNumber uint64
	Data        []byte
	LogIndex    uint64
	Topics      []common.Hash
	TxHash      common.Hash
	TxIndex     uint64
}

// Client is a process-wide external archive client. The manifest and
// per-gateway height are cached for the client's lifetime (§6 "Core must
// cache the chain-index and the height lookup per-process").
type Client struct {
	baseURL   string
	proxyURL  string
	http      *http.Client
	noLookaheadCache bool

	manifestOnce sync.Once
	manifestErr  error
	manifest     map[uint64]string // chain id -> gateway URL

	heightMu    sync.RWMutex
	heightCache map[string]uint64 // gateway URL -> latest indexed block

	lookahead *lru.Cache[string, lookaheadEntry]
}

type lookaheadEntry struct {
	fromBlock uint64
	toBlock   uint64
	logs      []Log
}

const defaultLookaheadCacheSize = 256

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithIPProxy rewrites worker URLs through a fixed proxy before dialing
// (EXTERNAL_ARCHIVE_USE_IP_PROXY).
func WithIPProxy(proxyURL string) Option {
	return func(c *Client) { c.proxyURL = proxyURL }
}

// WithoutLookaheadCache disables the future-logs look-ahead cache
// (DISABLE_EXTERNAL_ARCHIVE_LOOKAHEAD_CACHE).
func WithoutLookaheadCache() Option {
	return func(c *Client) { c.noLookaheadCache = true }
}

// New returns a Client pointed at the archive's manifest host, e.g.
// "https://archive.example.org".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		http:        http.DefaultClient,
		heightCache: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	cache, err := lru.New[string, lookaheadEntry](defaultLookaheadCacheSize)
	if err != nil {
		panic(err)
	}
	c.lookahead = cache
	return c
}

func (c *Client) loadManifest(ctx context.Context) (map[uint64]string, error) {
	c.manifestOnce.Do(func() {
		c.manifest, c.manifestErr = c.fetchManifest(ctx)
	})
	return c.manifest, c.manifestErr
}

func (c *Client) fetchManifest(ctx context.Context) (map[uint64]string, error) {
	body, err := c.getText(ctx, c.baseURL+manifestPath)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch manifest: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("archive: decode manifest: %w", err)
	}
	manifest := make(map[uint64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			continue
		}
		manifest[id] = v
	}
	return manifest, nil
}

// Supports reports whether the archive indexes chainID (§4.2 probe 6).
func (c *Client) Supports(chainID uint64) (bool, error) {
	manifest, err := c.loadManifest(context.Background())
	if err != nil {
		return false, err
	}
	_, ok := manifest[chainID]
	return ok, nil
}

func (c *Client) gateway(ctx context.Context, chainID uint64) (string, error) {
	manifest, err := c.loadManifest(ctx)
	if err != nil {
		return "", err
	}
	gw, ok := manifest[chainID]
	if !ok {
		return "", fmt.Errorf("archive: chain %d not indexed", chainID)
	}
	return gw, nil
}

func (c *Client) height(ctx context.Context, gateway string) (uint64, error) {
	c.heightMu.RLock()
	h, ok := c.heightCache[gateway]
	c.heightMu.RUnlock()
	if ok {
		return h, nil
	}

	body, err := c.getText(ctx, gateway+"/height")
	if err != nil {
		return 0, fmt.Errorf("archive: fetch height: %w", err)
	}
	h, err = strconv.ParseUint(strings.TrimSpace(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("archive: parse height: %w", err)
	}

	c.heightMu.Lock()
	c.heightCache[gateway] = h
	c.heightMu.Unlock()
	return h, nil
}

func (c *Client) getText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("archive: %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) rewriteWorkerURL(workerURL string) string {
	if c.proxyURL == "" {
		return workerURL
	}
	return c.proxyURL + "?target=" + workerURL
}
