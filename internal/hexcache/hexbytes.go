// Package hexcache memoizes hex-string -> []byte decoding, generalizing
// FastHexBytes.py's lru_cache-wrapped HexBytes constructor with an
// explicit, bounded LRU (HEX_BYTES_CACHE_SIZE, default 16384).
package hexcache

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 16384

func cacheSize() int {
	if v := os.Getenv("HEX_BYTES_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultCacheSize
}

var cache = mustNewCache()

func mustNewCache() *lru.Cache[string, []byte] {
	c, err := lru.New[string, []byte](cacheSize())
	if err != nil {
		panic(err)
	}
	return c
}

// Decode hex-decodes s (with or without "0x" prefix), memoized.
func Decode(s string) ([]byte, error) {
	if v, ok := cache.Get(s); ok {
		return v, nil
	}
	b, err := hexutil.Decode(normalize(s))
	if err != nil {
		return nil, err
	}
	cache.Add(s, b)
	return b, nil
}

func normalize(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s
	}
	return "0x" + s
}
