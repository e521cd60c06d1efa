// Package chainpool implements the Chain Client Pool (spec.md §4.B): a
// per-chain gateway over one or more RPC endpoints with key rotation,
// adaptive log-window chunking, and an exponential retry budget. Style is
// grounded on stellar-live-source/go/server/server.go's CircuitBreaker and
// EnterpriseMetrics, retargeted from the Stellar RPC client to
// go-ethereum's ethclient.
package chainpool

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/withobsrvr/streamdroplets/internal/config"
	"github.com/withobsrvr/streamdroplets/internal/errs"
	"github.com/withobsrvr/streamdroplets/internal/metrics"
	"github.com/withobsrvr/streamdroplets/internal/model"
)

// minLogWindow is the floor the adaptive chunker will not go below; past
// this point a "range too large" error is treated as a hard failure.
const minLogWindow = 16

// Client is the per-chain gateway. One Client is shared by every indexer
// task tailing that chain (spec.md §5 "indexes within share a chain client
// pool").
type Client struct {
	chain  model.Chain
	rpc    config.RPCConfig
	logger *zap.Logger
	mx     *metrics.Registry

	mu              sync.Mutex
	endpoints       []*ethclient.Client
	endpointIdx     int
	consecutiveErrs int
}

// Dial connects to every configured endpoint for chain, keeping all of
// them open so key rotation (round-robin) never pays a fresh-dial cost on
// the hot path.
func Dial(ctx context.Context, chain model.Chain, rpc config.RPCConfig, logger *zap.Logger, mx *metrics.Registry) (*Client, error) {
	if len(chain.Endpoints) == 0 {
		return nil, fmt.Errorf("chain %s: no endpoints configured", chain.Name)
	}
	c := &Client{chain: chain, rpc: rpc, logger: logger, mx: mx}
	for _, ep := range chain.Endpoints {
		cl, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			logger.Warn("endpoint dial failed", zap.String("chain", chain.Name), zap.String("endpoint", ep), zap.Error(err))
			continue
		}
		c.endpoints = append(c.endpoints, cl)
	}
	if len(c.endpoints) == 0 {
		return nil, errs.Wrap(errs.ChainFatal, fmt.Errorf("all %d endpoints failed to dial", len(chain.Endpoints)), "chain unreachable at startup")
	}
	return c, nil
}

// next rotates to the next endpoint, implementing the "rotating pool of
// API credentials" requirement (each endpoint URL typically embeds its own
// key).
func (c *Client) next() *ethclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := c.endpoints[c.endpointIdx%len(c.endpoints)]
	c.endpointIdx++
	return cl
}

func (c *Client) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.rpc.RetryDelay()
	b.Multiplier = c.rpc.BackoffMultiplier
	b.MaxElapsedTime = 0 // bounded by retry count via WithMaxRetries below
	return backoff.WithMaxRetries(b, uint64(c.rpc.RetryCount))
}

// withRetry runs op against a rotating endpoint with exponential backoff,
// recording metrics and translating an exhausted budget into ChainFatal
// once consecutiveErrs crosses MaxConsecutiveErrors (spec.md §4.B).
func (c *Client) withRetry(ctx context.Context, name string, op func(context.Context, *ethclient.Client) error) error {
	var lastErr error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c.mx.ChainRPCCalls.WithLabelValues(c.chain.Name).Inc()
		callCtx, cancel := context.WithTimeout(ctx, c.rpc.Timeout())
		defer cancel()
		if err := op(callCtx, c.next()); err != nil {
			lastErr = err
			if attempt > 1 {
				c.mx.ChainRPCRetries.WithLabelValues(c.chain.Name).Inc()
			}
			return err
		}
		return nil
	}, backoff.WithContext(c.backoffPolicy(), ctx))

	if err != nil {
		c.mx.ChainRPCFailures.WithLabelValues(c.chain.Name).Inc()
		c.mu.Lock()
		c.consecutiveErrs++
		fatal := c.consecutiveErrs >= c.chain.MaxConsecutiveError
		c.mu.Unlock()
		if fatal {
			return errs.Wrap(errs.ChainFatal, lastErr, fmt.Sprintf("%s: all endpoints exhausted for chain %s", name, c.chain.Name))
		}
		return errs.Wrap(errs.ChainTransient, lastErr, fmt.Sprintf("%s: retry budget exhausted", name))
	}
	c.mu.Lock()
	c.consecutiveErrs = 0
	c.mu.Unlock()
	return nil
}

// HeadBlock returns the current chain head.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.withRetry(ctx, "HeadBlock", func(ctx context.Context, cl *ethclient.Client) error {
		n, err := cl.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// BlockTimestamp returns the unix timestamp of a block, used by the Vault
// Event Indexer to timestamp each ShareEvent.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := c.withRetry(ctx, "BlockTimestamp", func(ctx context.Context, cl *ethclient.Client) error {
		h, err := cl.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		ts = h.Time
		return nil
	})
	return ts, err
}

// BlockHash returns a block's hash, used for reorg detection (spec.md §4.C).
func (c *Client) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	var hash common.Hash
	err := c.withRetry(ctx, "BlockHash", func(ctx context.Context, cl *ethclient.Client) error {
		h, err := cl.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		hash = h.Hash()
		return nil
	})
	return hash, err
}

// Call executes an eth_call pinned at blockNumber, used by the Price
// Oracle Client and Integration Indexer for previewRedeem/balanceOf-style
// reads (spec.md §4.A, §4.D).
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg, blockNumber uint64) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, "Call", func(ctx context.Context, cl *ethclient.Client) error {
		res, err := cl.CallContract(ctx, msg, new(big.Int).SetUint64(blockNumber))
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// FilterLogs runs eth_getLogs over [fromBlock, toBlock] with adaptive
// chunking: on a "range too large"-shaped error the window is halved and
// retried, down to minLogWindow, per spec.md §4.B.
func (c *Client) FilterLogs(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	if fromBlock > toBlock {
		return nil, nil
	}
	window := toBlock - fromBlock + 1
	var logs []types.Log
	cursor := fromBlock
	for cursor <= toBlock {
		end := cursor + window - 1
		if end > toBlock {
			end = toBlock
		}
		chunk, err := c.filterLogsOnce(ctx, address, topics, cursor, end)
		if err != nil {
			if isRangeTooLarge(err) && window > minLogWindow {
				window = window / 2
				if window < minLogWindow {
					window = minLogWindow
				}
				c.logger.Debug("halving log query window", zap.String("chain", c.chain.Name), zap.Uint64("window", window))
				continue
			}
			return nil, err
		}
		logs = append(logs, chunk...)
		cursor = end + 1
	}
	return logs, nil
}

func (c *Client) filterLogsOnce(ctx context.Context, address common.Address, topics [][]common.Hash, from, to uint64) ([]types.Log, error) {
	var logs []types.Log
	err := c.withRetry(ctx, "FilterLogs", func(ctx context.Context, cl *ethclient.Client) error {
		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{address},
			Topics:    topics,
		}
		res, err := cl.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = res
		return nil
	})
	return logs, err
}

// isRangeTooLarge recognizes the handful of provider error shapes meaning
// "your block range is too wide, ask for less" rather than a genuine
// failure worth bubbling up as-is.
func isRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	needles := []string{"query returned more than", "block range", "range too large", "limit exceeded", "too many results"}
	for _, n := range needles {
		if containsFold(msg, n) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	h, n := []rune(toLower(haystack)), []rune(toLower(needle))
	if len(n) == 0 || len(n) > len(h) {
		return len(n) == 0
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if h[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
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

// ObservedConsecutiveErrors reports the current streak, exposed for the
// health endpoint.
func (c *Client) ObservedConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrs
}

// Pool holds one Client per configured chain.
type Pool struct {
	clients atomic.Value // map[model.ChainID]*Client
}

// NewPool constructs and dials a Client for every chain in chains.
func NewPool(ctx context.Context, chains []model.Chain, rpc config.RPCConfig, logger *zap.Logger, mx *metrics.Registry) (*Pool, error) {
	m := make(map[model.ChainID]*Client, len(chains))
	for _, ch := range chains {
		cl, err := Dial(ctx, ch, rpc, logger.With(zap.String("chain", ch.Name)), mx)
		if err != nil {
			return nil, err
		}
		m[ch.ID] = cl
	}
	p := &Pool{}
	p.clients.Store(m)
	return p, nil
}

// Chain returns the Client for id, or nil if unconfigured.
func (p *Pool) Chain(id model.ChainID) *Client {
	m := p.clients.Load().(map[model.ChainID]*Client)
	return m[id]
}

// All returns every configured chain id, stable order not guaranteed.
func (p *Pool) All() []model.ChainID {
	m := p.clients.Load().(map[model.ChainID]*Client)
	ids := make([]model.ChainID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

// CallTimeout is a convenience bound for one-off context.WithTimeout calls
// built from RPCConfig by callers that don't go through withRetry.
func CallTimeout(rpc config.RPCConfig) time.Duration {
	return rpc.Timeout()
}
