package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/icecreamswap/ethadv/internal/addr"
	"github.com/icecreamswap/ethadv/internal/hexcache"
)

type workerLogQuery struct {
	FromBlock uint64                 `json:"fromBlock"`
	ToBlock   uint64                 `json:"toBlock"`
	Logs      []workerLogFilter      `json:"logs"`
	Fields    map[string]interface{} `json:"fields"`
}

type workerLogFilter struct {
	Address []string   `json:"address,omitempty"`
	Topic0  []string   `json:"topic0,omitempty"`
	Topic1  []string   `json:"topic1,omitempty"`
	Topic2  []string   `json:"topic2,omitempty"`
	Topic3  []string   `json:"topic3,omitempty"`
}

type workerBlockGroup struct {
	Header struct {
		Number uint64      `json:"number"`
		Hash   common.Hash `json:"hash"`
	} `json:"header"`
	Logs []workerLog `json:"logs"`
}

type workerLog struct {
	Address         common.Address `json:"address"`
	Topics          []common.Hash  `json:"topics"`
	Data            string         `json:"data"`
	TransactionHash common.Hash    `json:"transactionHash"`
	LogIndex        uint64         `json:"logIndex"`
	TransactionIndex uint64        `json:"transactionIndex"`
}

// FetchLogs queries the archive for q, looking ahead up to lookaheadTo
// (§4.3 step D) to populate the future-logs cache for later, nearby
// queries. Returns the next block the archive did not cover (exclusive)
// and the logs in [q.FromBlock, min(q.ToBlock, coverage)].
func (c *Client) FetchLogs(ctx context.Context, chainID uint64, q Query, lookaheadTo uint64) (uint64, []Log, error) {
	key := digest(chainID, q)

	if !c.noLookaheadCache {
		if entry, ok := c.lookahead.Get(key); ok && entry.fromBlock <= q.FromBlock {
			if entry.toBlock >= q.ToBlock {
				return q.ToBlock + 1, sliceRange(entry.logs, q.FromBlock, q.ToBlock), nil
			}
		}
	}

	gateway, err := c.gateway(ctx, chainID)
	if err != nil {
		return 0, nil, err
	}

	latest, err := c.height(ctx, gateway)
	if err != nil {
		return 0, nil, err
	}
	if q.FromBlock > latest {
		return 0, nil, fmt.Errorf("archive: has only indexed till block %d", latest)
	}

	wantTo := lookaheadTo
	if wantTo > latest {
		wantTo = latest
	}
	if wantTo < q.ToBlock {
		wantTo = q.ToBlock
		if wantTo > latest {
			wantTo = latest
		}
	}

	filter := workerLogFilter{}
	for _, a := range q.Address {
		filter.Address = append(filter.Address, toLower(a.Hex()))
	}
	topicFields := []*[]string{&filter.Topic0, &filter.Topic1, &filter.Topic2, &filter.Topic3}
	for i, topics := range q.Topics {
		if i >= len(topicFields) {
			break
		}
		for _, t := range topics {
			*topicFields[i] = append(*topicFields[i], t.Hex())
		}
	}

	query := workerLogQuery{
		ToBlock: wantTo,
		Logs:    []workerLogFilter{filter},
		Fields: map[string]interface{}{
			"log": map[string]bool{
				"address": true, "topics": true, "data": true, "transactionHash": true,
			},
		},
	}

	var logs []Log
	from := q.FromBlock
	var lastProcessed uint64
	var processed bool
	for from <= wantTo {
		workerURL, err := c.getText(ctx, fmt.Sprintf("%s/%d/worker", gateway, from))
		if err != nil {
			return 0, nil, fmt.Errorf("archive: fetch worker: %w", err)
		}
		workerURL = c.rewriteWorkerURL(workerURL)

		query.FromBlock = from
		groups, err := c.postQuery(ctx, workerURL, query)
		if err != nil {
			return 0, nil, fmt.Errorf("archive: worker query: %w", err)
		}
		if len(groups) == 0 {
			break
		}

		for _, g := range groups {
			for _, l := range g.Logs {
				data, err := decodeHexData(l.Data)
				if err != nil {
					return 0, nil, fmt.Errorf("archive: decode log data: %w", err)
				}
				logs = append(logs, Log{
					Address:     l.Address,
					BlockHash:   g.Header.Hash,
					BlockNumber: g.Header.Number,
					Data:        data,
					LogIndex:    l.LogIndex,
					Topics:      l.Topics,
					TxHash:      l.TransactionHash,
					TxIndex:     l.TransactionIndex,
				})
			}
		}
		lastProcessed = groups[len(groups)-1].Header.Number
		processed = true
		from = lastProcessed + 1
	}

	// Nothing was ever returned, even for the first chunk: there is no
	// verified coverage to cache, and q.FromBlock-1 would underflow for a
	// query starting at block 0.
	if !processed {
		return q.FromBlock, nil, nil
	}

	if !c.noLookaheadCache {
		c.lookahead.Add(key, lookaheadEntry{fromBlock: q.FromBlock, toBlock: lastProcessed, logs: logs})
	}

	nextBlockExclusive := lastProcessed + 1
	if nextBlockExclusive > q.ToBlock+1 {
		nextBlockExclusive = q.ToBlock + 1
	}
	return nextBlockExclusive, sliceRange(logs, q.FromBlock, q.ToBlock), nil
}

func (c *Client) postQuery(ctx context.Context, workerURL string, q workerLogQuery) ([]workerBlockGroup, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var groups []workerBlockGroup
	if err := json.Unmarshal(respBody, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func sliceRange(logs []Log, from, to uint64) []Log {
	var out []Log
	for _, l := range logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out
}

func digest(chainID uint64, q Query) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|", chainID)
	addrs := make([]string, len(q.Address))
	for i, a := range q.Address {
		addrs[i] = addr.Checksum(a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		fmt.Fprintf(h, "%s,", a)
	}
	h.Write([]byte("|"))
	for _, group := range q.Topics {
		topics := make([]string, len(group))
		for i, t := range group {
			topics[i] = t.Hex()
		}
		sort.Strings(topics)
		for _, t := range topics {
			fmt.Fprintf(h, "%s,", t)
		}
		h.Write([]byte(";"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func decodeHexData(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	return hexcache.Decode(s)
}
