package storage

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/withobsrvr/streamdroplets/internal/errs"
	"github.com/withobsrvr/streamdroplets/internal/model"
)

// Page is a cursor-less, offset-based page request, grounded on
// stellar-query-api/go/pagination.go's limit/offset helper shape.
type Page struct {
	Limit  int
	Offset int
}

// LatestUserSnapshot returns address's most recently completed snapshot.
func (s *Store) LatestUserSnapshot(ctx context.Context, address string) (model.UserSnapshot, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tick_id, balances, integration_legs, total_usd, droplets_this_tick, droplets_cumulative, had_unstake, snapshot_at
		FROM user_snapshots WHERE address=$1 ORDER BY tick_id DESC LIMIT 1`, address)
	return scanUserSnapshot(row, address)
}

// UserSnapshotAtTick returns address's snapshot for one specific tick.
func (s *Store) UserSnapshotAtTick(ctx context.Context, address string, tickID int64) (model.UserSnapshot, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tick_id, balances, integration_legs, total_usd, droplets_this_tick, droplets_cumulative, had_unstake, snapshot_at
		FROM user_snapshots WHERE address=$1 AND tick_id=$2`, address, tickID)
	return scanUserSnapshot(row, address)
}

func scanUserSnapshot(row pgx.Row, address string) (model.UserSnapshot, bool, error) {
	var snap model.UserSnapshot
	var balancesJSON, legsJSON []byte
	var totalUSD, dropletsTick, dropletsCum string
	if err := row.Scan(&snap.TickID, &balancesJSON, &legsJSON, &totalUSD, &dropletsTick, &dropletsCum, &snap.HadUnstake, &snap.SnapshotTimestamp); err != nil {
		if err == pgx.ErrNoRows {
			return model.UserSnapshot{}, false, nil
		}
		return model.UserSnapshot{}, false, errs.Wrap(errs.ChainTransient, err, "storage: load user snapshot")
	}
	snap.Address = address
	if err := json.Unmarshal(balancesJSON, &snap.Balances); err != nil {
		return model.UserSnapshot{}, false, errs.Wrap(errs.ChainTransient, err, "storage: decode balances")
	}
	if err := json.Unmarshal(legsJSON, &snap.IntegrationBreakdown); err != nil {
		return model.UserSnapshot{}, false, errs.Wrap(errs.ChainTransient, err, "storage: decode integration legs")
	}
	var ok bool
	if snap.TotalUSD.Value, ok = new(big.Int).SetString(totalUSD, 10); !ok {
		return model.UserSnapshot{}, false, errs.New(errs.DeterminismViolation, "storage: corrupt total_usd")
	}
	if snap.DropletsThisTick, ok = new(big.Int).SetString(dropletsTick, 10); !ok {
		return model.UserSnapshot{}, false, errs.New(errs.DeterminismViolation, "storage: corrupt droplets_this_tick")
	}
	if snap.DropletsCumulative, ok = new(big.Int).SetString(dropletsCum, 10); !ok {
		return model.UserSnapshot{}, false, errs.New(errs.DeterminismViolation, "storage: corrupt droplets_cumulative")
	}
	return snap, true, nil
}

// Leaderboard returns a page of the leaderboard projection ordered by
// cumulative droplets descending.
func (s *Store) Leaderboard(ctx context.Context, page Page) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, droplets_cumulative, last_tick, ticks_participated, last_active
		FROM leaderboard ORDER BY droplets_cumulative DESC LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
	if err != nil {
		return nil, errs.Wrap(errs.ChainTransient, err, "storage: load leaderboard")
	}
	defer rows.Close()

	var out []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var droplets string
		if err := rows.Scan(&e.Address, &droplets, &e.LastTick, &e.TicksParticipated, &e.LastActive); err != nil {
			return nil, errs.Wrap(errs.ChainTransient, err, "storage: scan leaderboard row")
		}
		v, ok := new(big.Int).SetString(droplets, 10)
		if !ok {
			return nil, errs.New(errs.DeterminismViolation, "storage: corrupt leaderboard droplets for "+e.Address)
		}
		e.DropletsCumulative = v
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestProtocolSnapshot returns the most recently completed tick's
// protocol-level rollup.
func (s *Store) LatestProtocolSnapshot(ctx context.Context) (model.ProtocolSnapshot, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tick_id, asset_totals, protocol_totals, unique_users, droplets_this_tick, droplets_cumulative, partial, snapshot_at
		FROM protocol_snapshots ORDER BY tick_id DESC LIMIT 1`)
	var snap model.ProtocolSnapshot
	var assetJSON, protoJSON []byte
	var dropletsTick, dropletsCum string
	if err := row.Scan(&snap.TickID, &assetJSON, &protoJSON, &snap.UniqueUsers, &dropletsTick, &dropletsCum, &snap.Partial, &snap.SnapshotTimestamp); err != nil {
		if err == pgx.ErrNoRows {
			return model.ProtocolSnapshot{}, false, nil
		}
		return model.ProtocolSnapshot{}, false, errs.Wrap(errs.ChainTransient, err, "storage: load protocol snapshot")
	}
	if err := json.Unmarshal(assetJSON, &snap.AssetTotals); err != nil {
		return model.ProtocolSnapshot{}, false, err
	}
	if err := json.Unmarshal(protoJSON, &snap.ProtocolTotals); err != nil {
		return model.ProtocolSnapshot{}, false, err
	}
	var ok bool
	if snap.DropletsThisTick, ok = new(big.Int).SetString(dropletsTick, 10); !ok {
		return model.ProtocolSnapshot{}, false, errs.New(errs.DeterminismViolation, "storage: corrupt droplets_this_tick")
	}
	if snap.DropletsCumulative, ok = new(big.Int).SetString(dropletsCum, 10); !ok {
		return model.ProtocolSnapshot{}, false, errs.New(errs.DeterminismViolation, "storage: corrupt droplets_cumulative")
	}
	return snap, true, nil
}

// PPSHistory returns the recorded price-per-share rounds for asset,
// newest first, backing the /rounds/{asset} endpoint.
func (s *Store) PPSHistory(ctx context.Context, asset string, page Page) ([]model.PPSObservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_id, pps, pps_scale FROM pps_observations WHERE asset=$1 ORDER BY round_id DESC LIMIT $2 OFFSET $3`,
		asset, page.Limit, page.Offset)
	if err != nil {
		return nil, errs.Wrap(errs.ChainTransient, err, "storage: load pps history")
	}
	defer rows.Close()
	var out []model.PPSObservation
	for rows.Next() {
		var obs model.PPSObservation
		var pps string
		if err := rows.Scan(&obs.RoundID, &pps, &obs.PPSScale); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(pps, 10)
		if !ok {
			return nil, errs.New(errs.DeterminismViolation, "storage: corrupt pps value")
		}
		obs.Asset = asset
		obs.PPS = v
		out = append(out, obs)
	}
	return out, rows.Err()
}

// LatestPPS returns the most recently recorded price-per-share for asset,
// used by the Accrual Engine to value share balances at tick time.
func (s *Store) LatestPPS(ctx context.Context, asset string) (model.PPSObservation, bool, error) {
	return s.CurrentRound(ctx, asset)
}

// CurrentRound returns the highest recorded round for asset.
func (s *Store) CurrentRound(ctx context.Context, asset string) (model.PPSObservation, bool, error) {
	page := Page{Limit: 1, Offset: 0}
	rows, err := s.PPSHistory(ctx, asset, page)
	if err != nil || len(rows) == 0 {
		return model.PPSObservation{}, false, err
	}
	return rows[0], true, nil
}

// ShareEventsForAddress backs the /events/{address} endpoint.
func (s *Store) ShareEventsForAddress(ctx context.Context, address string, page Page) ([]model.ShareEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chain_id, asset, kind, shares_delta, round_id, block, tx_hash, log_index, occurred_at
		FROM share_events WHERE address=$1 ORDER BY block DESC, log_index DESC LIMIT $2 OFFSET $3`,
		address, page.Limit, page.Offset)
	if err != nil {
		return nil, errs.Wrap(errs.ChainTransient, err, "storage: load share events for address")
	}
	defer rows.Close()
	var out []model.ShareEvent
	for rows.Next() {
		var e model.ShareEvent
		var chainID uint64
		var kind, delta string
		var round *uint64
		if err := rows.Scan(&chainID, &e.Asset, &kind, &delta, &round, &e.Block, &e.TxHash, &e.LogIndex, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Chain = model.ChainID(chainID)
		e.Address = address
		e.Kind = model.ShareEventKind(kind)
		e.RoundID = round
		v, ok := new(big.Int).SetString(delta, 10)
		if !ok {
			return nil, errs.New(errs.DeterminismViolation, "storage: corrupt shares_delta")
		}
		e.SharesDelta = v
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllCumulativeDroplets returns every address's current cumulative
// droplet total from the leaderboard projection, the Accrual Engine's
// source for each tick's carry-forward (leaderboard is kept exactly in
// sync with the latest user_snapshots row per address by
// CommitTickResult, so it doubles as this lookup without a second table).
func (s *Store) AllCumulativeDroplets(ctx context.Context) (map[string]*big.Int, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, droplets_cumulative FROM leaderboard`)
	if err != nil {
		return nil, errs.Wrap(errs.ChainTransient, err, "storage: load cumulative droplets")
	}
	defer rows.Close()
	out := make(map[string]*big.Int)
	for rows.Next() {
		var addr, droplets string
		if err := rows.Scan(&addr, &droplets); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(droplets, 10)
		if !ok {
			return nil, errs.New(errs.DeterminismViolation, "storage: corrupt cumulative droplets for "+addr)
		}
		out[addr] = v
	}
	return out, rows.Err()
}

// Ping reports whether the database is reachable, backing /health/ready.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
