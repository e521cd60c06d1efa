// Package oracle implements the Price Oracle Client (spec.md §4.A):
// price_at(asset, block) -> (usd_price, scale, source), sampled exactly
// once per tick per asset with no interpolation. The fan-out shape (one
// goroutine per asset, collected through an errgroup) mirrors the
// price-polling loops in the pack's own oracle clients
// (other_examples/ojo-network-price-feeder, Team-Kujira-oracle-price-feeder),
// retargeted from a Cosmos voting oracle to a read-only on-chain feed call
// via go-ethereum.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/withobsrvr/streamdroplets/internal/chainpool"
	"github.com/withobsrvr/streamdroplets/internal/errs"
	"github.com/withobsrvr/streamdroplets/internal/model"
)

// aggregatorABIJSON is the minimal Chainlink-style price-feed surface this
// client needs: latestAnswer (the reading) and decimals (its scale). Most
// production feeds expose both, whether Chainlink itself or a compatible
// aggregator.
const aggregatorABIJSON = `[
  {"constant":true,"inputs":[],"name":"latestAnswer","outputs":[{"name":"","type":"int256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	a, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("oracle: invalid embedded aggregator ABI: " + err.Error())
	}
	aggregatorABI = a
}

// Price is a sampled (value, scale, source) reading for one asset at one
// reference block.
type Price struct {
	Asset  string
	Value  *big.Int
	Scale  uint8
	Source string
}

// Client reads price feeds pinned at a specific block, never interpolating
// between ticks (spec.md §4.A).
type Client struct {
	pool   *chainpool.Pool
	assets map[string]model.Asset
	logger *zap.Logger

	mu    sync.Mutex
	scale map[string]uint8 // cached per-asset decimals() reading
}

// NewClient builds an oracle client over the given asset configuration.
func NewClient(pool *chainpool.Pool, assets []model.Asset, logger *zap.Logger) *Client {
	m := make(map[string]model.Asset, len(assets))
	for _, a := range assets {
		m[a.Symbol] = a
	}
	return &Client{pool: pool, assets: m, logger: logger, scale: make(map[string]uint8)}
}

// PriceAt samples asset's feed pinned at referenceBlock on the feed's own
// chain. It returns an OracleUnavailable error when the feed contract isn't
// yet deployed at that block or the call reverts, per spec.md §4.A —
// callers (the Accrual Engine) treat that as "this asset contributes zero
// this tick" rather than failing the tick.
func (c *Client) PriceAt(ctx context.Context, assetSymbol string, referenceBlock uint64) (Price, error) {
	asset, ok := c.assets[assetSymbol]
	if !ok {
		return Price{}, errs.New(errs.Validation, fmt.Sprintf("oracle: unknown asset %q", assetSymbol))
	}
	feed := asset.OracleFeed
	if feed.Address == "" {
		return Price{}, errs.New(errs.OracleUnavailable, fmt.Sprintf("oracle: no feed configured for %s", assetSymbol))
	}
	client := c.pool.Chain(feed.Chain)
	if client == nil {
		return Price{}, errs.New(errs.OracleUnavailable, fmt.Sprintf("oracle: chain %d not configured for %s feed", feed.Chain, assetSymbol))
	}

	addr := common.HexToAddress(feed.Address)
	scale, err := c.decimals(ctx, client, addr, referenceBlock, feed.Scale)
	if err != nil {
		return Price{}, errs.Wrap(errs.OracleUnavailable, err, fmt.Sprintf("oracle: feed not readable for %s at block %d", assetSymbol, referenceBlock))
	}

	data, err := aggregatorABI.Pack("latestAnswer")
	if err != nil {
		return Price{}, errs.Wrap(errs.OracleUnavailable, err, "oracle: pack latestAnswer")
	}
	out, err := client.Call(ctx, ethereum.CallMsg{To: &addr, Data: data}, referenceBlock)
	if err != nil {
		return Price{}, errs.Wrap(errs.OracleUnavailable, err, fmt.Sprintf("oracle: latestAnswer reverted for %s at block %d", assetSymbol, referenceBlock))
	}
	vals, err := aggregatorABI.Unpack("latestAnswer", out)
	if err != nil || len(vals) != 1 {
		return Price{}, errs.Wrap(errs.OracleUnavailable, err, "oracle: unpack latestAnswer")
	}
	price, ok := vals[0].(*big.Int)
	if !ok {
		return Price{}, errs.New(errs.OracleUnavailable, "oracle: latestAnswer did not decode to int256")
	}

	return Price{Asset: assetSymbol, Value: new(big.Int).Set(price), Scale: scale, Source: feed.Address}, nil
}

func (c *Client) decimals(ctx context.Context, client *chainpool.Client, addr common.Address, referenceBlock uint64, configured uint8) (uint8, error) {
	c.mu.Lock()
	if s, ok := c.scale[addr.Hex()]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	if configured > 0 {
		return configured, nil
	}

	data, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := client.Call(ctx, ethereum.CallMsg{To: &addr, Data: data}, referenceBlock)
	if err != nil {
		return 0, err
	}
	vals, err := aggregatorABI.Unpack("decimals", out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("oracle: unpack decimals: %w", err)
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: decimals did not decode to uint8")
	}
	c.mu.Lock()
	c.scale[addr.Hex()] = d
	c.mu.Unlock()
	return d, nil
}

// PriceAllAt samples every asset in symbols concurrently, returning a map
// keyed by symbol. Assets whose feed is unavailable are simply omitted
// from the result (not an error) — the caller (Accrual Engine) is
// expected to treat a missing entry as a zero contribution for that tick,
// per spec.md's Oracle-missing failure model (B2).
func (c *Client) PriceAllAt(ctx context.Context, symbols []string, referenceBlockOf func(assetSymbol string) uint64) map[string]Price {
	results := make(map[string]Price)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			p, err := c.PriceAt(gctx, sym, referenceBlockOf(sym))
			if err != nil {
				c.logger.Warn("oracle price unavailable for tick", zap.String("asset", sym), zap.Error(err))
				return nil // not fatal to the group; see spec.md §4.F failure model
			}
			mu.Lock()
			results[sym] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // PriceAt never returns a group-fatal error above
	return results
}
