// Command ethadv-probe dials a node, runs the full capability probe, and
// tails eth_getLogs over a configured filter, resuming from the last block
// it indexed on a prior run. It is a demonstration of the client/logs
// packages, not part of the library surface.
package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	_ "modernc.org/sqlite"

	"github.com/icecreamswap/ethadv/archive"
	"github.com/icecreamswap/ethadv/client"
	"github.com/icecreamswap/ethadv/internal/addr"
	"github.com/icecreamswap/ethadv/logs"
)

func main() {
	defaultRPC := os.Getenv("INFURA_RPC_URL")
	if defaultRPC == "" {
		defaultRPC = "http://localhost:8545"
	}
	rpcURL := flag.String("rpc", defaultRPC, "RPC endpoint")
	addrList := flag.String("addresses", "", "comma-separated contract addresses to filter (empty=any)")
	topic0 := flag.String("topic0", "", "event signature topic (0x..., empty=any)")
	from := flag.Uint64("from", 0, "start block (ignored once a cursor is persisted)")
	pollInterval := flag.Duration("poll", 5*time.Second, "how often to check for new blocks")
	dbPath := flag.String("db", "ethadv-probe.db", "sqlite cursor store")
	archiveURL := flag.String("archive-url", "", "external log-archive base URL serving the chain manifest (empty=disabled)")
	noArchive := flag.Bool("no-archive", false, "disable external archive offload even if -archive-url is set")
	unstableBlocks := flag.Int("unstable-blocks", -1, "blocks from head considered reorg-unsafe (-1=default)")
	once := flag.Bool("once", false, "fetch the currently available range once and exit, instead of tailing")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	transport, err := rpc.DialContext(ctx, *rpcURL)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer transport.Close()

	var clientOpts []client.Option
	if *unstableBlocks >= 0 {
		clientOpts = append(clientOpts, client.WithUnstableBlocks(*unstableBlocks))
	}
	if *noArchive || *archiveURL == "" {
		clientOpts = append(clientOpts, client.WithNoExternalArchive())
	} else {
		clientOpts = append(clientOpts, client.WithArchive(archive.New(*archiveURL)))
	}

	c, err := client.New(ctx, *rpcURL, transport, clientOpts...)
	if err != nil {
		log.Fatalf("probe: %v", err)
	}
	fmt.Printf("chainID=%d filterBlockRange=%d rpcBatchMaxSize=%d isArchive=%v revertReasonAvailable=%v overwritesAvailable=%v head=%d\n",
		c.ChainID(), c.FilterBlockRange(), c.RPCBatchMaxSize(), c.IsArchive(), c.RevertReasonAvailable(), c.OverwritesAvailable(), c.LatestSeenBlock())

	spec := buildFilterSpec(*addrList, *topic0)
	digest := filterDigest(c.ChainID(), spec)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("sqlite open: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cursors(chain_id INTEGER NOT NULL, filter_digest TEXT NOT NULL, last_block INTEGER NOT NULL, PRIMARY KEY(chain_id, filter_digest))`); err != nil {
		log.Fatalf("schema: %v", err)
	}

	start := *from
	if cursor, ok := loadCursor(ctx, db, c.ChainID(), digest); ok {
		start = cursor + 1
	}

	r := logs.New(c)
	for {
		head, err := c.BlockNumber(context.Background(), false)
		if err != nil {
			log.Fatalf("blockNumber: %v", err)
		}
		if start > head {
			if *once {
				break
			}
			time.Sleep(*pollInterval)
			continue
		}

		spec.FromBlock = logs.AtBlock(start)
		spec.ToBlock = logs.AtBlock(head)
		records, err := r.GetLogs(context.Background(), spec)
		if err != nil {
			var forkErr *logs.ForkedBlockError
			if !errors.As(err, &forkErr) {
				log.Fatalf("getLogs: %v", err)
			}
			log.Printf("reorg detected, retrying from %d: %v", start, err)
			continue
		}

		for _, rec := range records {
			fmt.Printf("block=%d tx=%s address=%s logIndex=%d\n", rec.BlockNumber, rec.TxHash.Hex(), addr.Checksum(rec.Address), rec.LogIndex)
		}

		if err := saveCursor(context.Background(), db, c.ChainID(), digest, head); err != nil {
			log.Fatalf("cursor save: %v", err)
		}
		start = head + 1

		if *once {
			break
		}
		time.Sleep(*pollInterval)
	}
}

func buildFilterSpec(addrList, topic0 string) logs.FilterSpec {
	var spec logs.FilterSpec
	if addrList != "" {
		for _, a := range strings.Split(addrList, ",") {
			spec.Address = append(spec.Address, common.HexToAddress(strings.TrimSpace(a)))
		}
	}
	if topic0 != "" {
		spec.Topics = [][]common.Hash{{common.HexToHash(topic0)}}
	}
	return spec
}

// filterDigest identifies a filter's address/topic shape independent of
// the block range being scanned, so a cursor persists across runs even as
// FromBlock/ToBlock move forward each poll.
func filterDigest(chainID uint64, spec logs.FilterSpec) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|", chainID)
	addrs := make([]string, len(spec.Address))
	for i, a := range spec.Address {
		addrs[i] = addr.Checksum(a)
	}
	sort.Strings(addrs)
	fmt.Fprintf(h, "%s|", strings.Join(addrs, ","))
	for _, group := range spec.Topics {
		topics := make([]string, len(group))
		for i, t := range group {
			topics[i] = t.Hex()
		}
		sort.Strings(topics)
		fmt.Fprintf(h, "%s;", strings.Join(topics, ","))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func loadCursor(ctx context.Context, db *sql.DB, chainID uint64, digest string) (uint64, bool) {
	var last uint64
	err := db.QueryRowContext(ctx, `SELECT last_block FROM cursors WHERE chain_id = ? AND filter_digest = ?`, chainID, digest).Scan(&last)
	if err != nil {
		return 0, false
	}
	return last, true
}

func saveCursor(ctx context.Context, db *sql.DB, chainID uint64, digest string, last uint64) error {
	_, err := db.ExecContext(ctx, `INSERT INTO cursors(chain_id, filter_digest, last_block) VALUES (?, ?, ?) ON CONFLICT(chain_id, filter_digest) DO UPDATE SET last_block = excluded.last_block`, chainID, digest, last)
	return err
}

