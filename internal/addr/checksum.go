// Package addr provides a memoized EIP-55 checksum-address formatter,
// generalizing FastChecksumAddress.py's lru_cache-wrapped formatter with an
// explicit, bounded LRU (CHECKSUM_CACHE_SIZE, default 16384).
package addr

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 16384

func cacheSize() int {
	if v := os.Getenv("CHECKSUM_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultCacheSize
}

var cache = mustNewCache()

func mustNewCache() *lru.Cache[common.Address, string] {
	c, err := lru.New[common.Address, string](cacheSize())
	if err != nil {
		// cacheSize() always returns a positive int, so this cannot happen.
		panic(err)
	}
	return c
}

// Checksum returns the EIP-55 checksum representation of a, memoized.
// Go-ethereum's common.Address.Hex() already performs the checksum
// formatting (the black-box primitive §1 names); this wrapper only adds
// the bounded cache the Python original relied on.
func Checksum(a common.Address) string {
	if v, ok := cache.Get(a); ok {
		return v
	}
	v := a.Hex()
	cache.Add(a, v)
	return v
}
