package client

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/icecreamswap/ethadv/archive"
)

const defaultUnstableBlocks = 5

func envUnstableBlocks() int {
	if v := os.Getenv("UNSTABLE_BLOCKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultUnstableBlocks
}

// Option configures a Client at construction time.
type Option func(*config)

type config struct {
	unstableBlocks    int
	shouldRetry       bool
	logger            log.Logger
	archive           *archive.Client
	noExternalArchive bool
}

func defaultConfig() *config {
	return &config{
		unstableBlocks:    envUnstableBlocks(),
		shouldRetry:       true,
		logger:            log.Root(),
		noExternalArchive: os.Getenv("NO_EXTERNAL_ARCHIVE") != "",
	}
}

// WithUnstableBlocks overrides the reorg-guard depth (default from
// UNSTABLE_BLOCKS env var, or 5).
func WithUnstableBlocks(n int) Option {
	return func(c *config) { c.unstableBlocks = n }
}

// WithShouldRetry toggles the client-wide retry default. Individual calls
// can still force no-retry through their own parameter.
func WithShouldRetry(should bool) Option {
	return func(c *config) { c.shouldRetry = should }
}

// WithLogger sets the structured logger used for probe and retry
// diagnostics. A nil logger is ignored.
func WithLogger(l log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithArchive registers an external log-archive client (§6). If unset, or
// if NO_EXTERNAL_ARCHIVE is set in the environment, §4.3 step (D) never
// triggers.
func WithArchive(a *archive.Client) Option {
	return func(c *config) { c.archive = a }
}

// WithNoExternalArchive force-disables external archive offload even if
// an archive client was registered.
func WithNoExternalArchive() Option {
	return func(c *config) { c.noExternalArchive = true }
}
