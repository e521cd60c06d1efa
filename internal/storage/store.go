// Package storage is the Postgres persistence layer backing every other
// subsystem: cursors, raw events, oracle/PPS readings, snapshots, and the
// leaderboard projection. Runtime access goes through jackc/pgx/v5's
// pgxpool, following the connection-pool-plus-context-everywhere style
// the pack's ingestion services use; schema migrations (cmd/migrate) use
// database/sql with lib/pq instead, matching postgres-consumer/go/main.go's
// simpler one-shot db.Exec pattern — a plain migration runner has no need
// for pgx's pipelining, so it keeps the teacher's original driver.
package storage

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withobsrvr/streamdroplets/internal/config"
	"github.com/withobsrvr/streamdroplets/internal/errs"
	"github.com/withobsrvr/streamdroplets/internal/model"
)

// Store wraps a pgx pool and implements the persistence interfaces every
// indexer, the scheduler, and the query surface depend on.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pgx pool using cfg, applying pool-size settings the way
// the teacher's db.SetMaxOpenConns/db.SetMaxIdleConns calls do.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "storage: parse DSN")
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		poolCfg.MaxConnLifetime = time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.Wrap(errs.ChainFatal, err, "storage: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.ChainFatal, err, "storage: ping")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// LoadCursor implements vaultindexer.Store and integration.Store.
func (s *Store) LoadCursor(ctx context.Context, chain model.ChainID, contract string) (model.Cursor, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT chain_id, contract_address, last_block, last_block_hash FROM cursors WHERE chain_id=$1 AND contract_address=$2`,
		uint64(chain), contract)
	var cur model.Cursor
	var chainID uint64
	if err := row.Scan(&chainID, &cur.ContractAddress, &cur.LastBlock, &cur.LastBlockHash); err != nil {
		if err == pgx.ErrNoRows {
			return model.Cursor{}, false, nil
		}
		return model.Cursor{}, false, errs.Wrap(errs.ChainTransient, err, "storage: load cursor")
	}
	cur.Chain = model.ChainID(chainID)
	return cur, true, nil
}

// SaveCursor upserts the per-(chain, contract) checkpoint.
func (s *Store) SaveCursor(ctx context.Context, cur model.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cursors (chain_id, contract_address, last_block, last_block_hash, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (chain_id, contract_address) DO UPDATE
		SET last_block = EXCLUDED.last_block, last_block_hash = EXCLUDED.last_block_hash, updated_at = now()`,
		uint64(cur.Chain), cur.ContractAddress, cur.LastBlock, cur.LastBlockHash)
	if err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: save cursor")
	}
	return nil
}

// CommitShareEvents idempotently inserts ShareEvents keyed on
// (chain, tx_hash, log_index, address), per spec.md §3 invariant 2. address
// is part of the key because a plain transfer expands into a debit leg on
// the sender and a credit leg on the receiver from the same log; a key that
// stopped at log_index would let the second leg collide with the first and
// get silently dropped by DO NOTHING.
func (s *Store) CommitShareEvents(ctx context.Context, events []model.ShareEvent) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		var round interface{}
		if e.RoundID != nil {
			round = *e.RoundID
		}
		batch.Queue(`
			INSERT INTO share_events (chain_id, asset, address, kind, shares_delta, round_id, block, tx_hash, log_index, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (chain_id, tx_hash, log_index, address) DO NOTHING`,
			uint64(e.Chain), e.Asset, e.Address, string(e.Kind), e.SharesDelta.String(), round, e.Block, e.TxHash, e.LogIndex, e.Timestamp)
	}
	return s.runBatch(ctx, batch, len(events))
}

// CommitIntegrationEvents is CommitShareEvents' counterpart for
// IntegrationEvents; same debit/credit leg reasoning applies to address
// being part of the conflict target.
func (s *Store) CommitIntegrationEvents(ctx context.Context, events []model.IntegrationEvent) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		var underlying interface{}
		if e.UnderlyingDelta != nil {
			underlying = e.UnderlyingDelta.String()
		}
		batch.Queue(`
			INSERT INTO integration_events (protocol_id, address, kind, shares_delta, underlying_delta, block, tx_hash, log_index, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (protocol_id, tx_hash, log_index, address) DO NOTHING`,
			e.ProtocolID, e.Address, string(e.Kind), e.SharesDelta.String(), underlying, e.Block, e.TxHash, e.LogIndex, e.Timestamp)
	}
	return s.runBatch(ctx, batch, len(events))
}

func (s *Store) runBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	if n == 0 {
		return nil
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return errs.Wrap(errs.ChainTransient, err, "storage: commit batch")
		}
	}
	return nil
}

// CurrentUnstakeMarks returns every address that recorded an unstake
// share event in the round currently in effect for its asset, the set
// the Accrual Engine excludes from that leg's USD contribution for the
// remainder of the round (spec.md §4.F step 4). currentRoundByAsset
// comes from the caller's already-loaded PPS observations so this
// query never has to guess which round is "current".
func (s *Store) CurrentUnstakeMarks(ctx context.Context, currentRoundByAsset map[string]uint64) ([]model.UnstakeMark, error) {
	var out []model.UnstakeMark
	for asset, round := range currentRoundByAsset {
		rows, err := s.pool.Query(ctx, `
			SELECT DISTINCT address FROM share_events WHERE asset=$1 AND kind=$2 AND round_id=$3`,
			asset, string(model.ShareUnstake), round)
		if err != nil {
			return nil, errs.Wrap(errs.ChainTransient, err, "storage: load unstake marks")
		}
		for rows.Next() {
			var addr string
			if err := rows.Scan(&addr); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, model.UnstakeMark{Address: addr, Asset: asset, Round: round})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CommitPPSObservation upserts a round's recorded price-per-share.
func (s *Store) CommitPPSObservation(ctx context.Context, obs model.PPSObservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pps_observations (asset, round_id, pps, pps_scale)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (asset, round_id) DO UPDATE SET pps = EXCLUDED.pps, pps_scale = EXCLUDED.pps_scale`,
		obs.Asset, obs.RoundID, obs.PPS.String(), obs.PPSScale)
	if err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: commit pps observation")
	}
	return nil
}

// RewindShareEvents deletes every share event at or after fromBlock for
// chain, used after a detected reorg (spec.md §4.C).
func (s *Store) RewindShareEvents(ctx context.Context, chain model.ChainID, fromBlock uint64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM share_events WHERE chain_id=$1 AND block >= $2`, uint64(chain), fromBlock)
	if err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: rewind share events")
	}
	return nil
}

// RewindIntegrationEvents is RewindShareEvents' counterpart scoped by
// protocol id rather than chain, since an integration's contract lives on
// one chain but is keyed by its own protocol id.
func (s *Store) RewindIntegrationEvents(ctx context.Context, protocolID string, fromBlock uint64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM integration_events WHERE protocol_id=$1 AND block >= $2`, protocolID, fromBlock)
	if err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: rewind integration events")
	}
	return nil
}

// LoadShareEventsForRebuild streams every share event for (chain, asset)
// ordered for the Balance Engine's fold, used by the rebuild/truncate-
// and-replay path (spec.md §4.E).
func (s *Store) LoadShareEventsForRebuild(ctx context.Context, chain model.ChainID, asset string) ([]model.ShareEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, kind, shares_delta, round_id, block, tx_hash, log_index, occurred_at
		FROM share_events WHERE chain_id=$1 AND asset=$2 ORDER BY block, log_index`, uint64(chain), asset)
	if err != nil {
		return nil, errs.Wrap(errs.ChainTransient, err, "storage: load share events")
	}
	defer rows.Close()

	var out []model.ShareEvent
	for rows.Next() {
		var e model.ShareEvent
		var kind string
		var delta string
		var round *uint64
		if err := rows.Scan(&e.Address, &kind, &delta, &round, &e.Block, &e.TxHash, &e.LogIndex, &e.Timestamp); err != nil {
			return nil, errs.Wrap(errs.ChainTransient, err, "storage: scan share event")
		}
		e.Chain = chain
		e.Asset = asset
		e.Kind = model.ShareEventKind(kind)
		e.RoundID = round
		v, ok := new(big.Int).SetString(delta, 10)
		if !ok {
			return nil, errs.New(errs.DeterminismViolation, "storage: corrupt shares_delta for "+e.TxHash)
		}
		e.SharesDelta = v
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadIntegrationEventsForRebuild streams every event for protocolID
// ordered for the Balance Engine's fold, the integration counterpart to
// LoadShareEventsForRebuild.
func (s *Store) LoadIntegrationEventsForRebuild(ctx context.Context, protocolID string) ([]model.IntegrationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, kind, shares_delta, underlying_delta, block, tx_hash, log_index, occurred_at
		FROM integration_events WHERE protocol_id=$1 ORDER BY block, log_index`, protocolID)
	if err != nil {
		return nil, errs.Wrap(errs.ChainTransient, err, "storage: load integration events")
	}
	defer rows.Close()

	var out []model.IntegrationEvent
	for rows.Next() {
		var e model.IntegrationEvent
		var kind, delta string
		var underlying *string
		if err := rows.Scan(&e.Address, &kind, &delta, &underlying, &e.Block, &e.TxHash, &e.LogIndex, &e.Timestamp); err != nil {
			return nil, errs.Wrap(errs.ChainTransient, err, "storage: scan integration event")
		}
		e.ProtocolID = protocolID
		e.Kind = model.IntegrationEventKind(kind)
		v, ok := new(big.Int).SetString(delta, 10)
		if !ok {
			return nil, errs.New(errs.DeterminismViolation, "storage: corrupt shares_delta for "+e.TxHash)
		}
		e.SharesDelta = v
		if underlying != nil {
			uv, ok := new(big.Int).SetString(*underlying, 10)
			if !ok {
				return nil, errs.New(errs.DeterminismViolation, "storage: corrupt underlying_delta for "+e.TxHash)
			}
			e.UnderlyingDelta = uv
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TryAcquireTick implements scheduler.Lock via pg_try_advisory_lock,
// scoping the lock key to this system's tick namespace.
func (s *Store) TryAcquireTick(ctx context.Context, tickID int64) (bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, tickLockNamespace, tickID)
	var acquired bool
	if err := row.Scan(&acquired); err != nil {
		return false, errs.Wrap(errs.ChainTransient, err, "storage: try advisory lock")
	}
	return acquired, nil
}

// ReleaseTick releases the advisory lock acquired by TryAcquireTick.
func (s *Store) ReleaseTick(ctx context.Context, tickID int64) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_advisory_unlock($1, $2)`, tickLockNamespace, tickID)
	if err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: release advisory lock")
	}
	return nil
}

// tickLockNamespace is the fixed first key of the two-key advisory lock,
// isolating this system's locks from any other user of the same database.
const tickLockNamespace = 0x53445250 // "SDRP"

// LastCompletedTickID implements scheduler.TickStore.
func (s *Store) LastCompletedTickID(ctx context.Context) (int64, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT id FROM ticks WHERE completed ORDER BY id DESC LIMIT 1`)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, errs.Wrap(errs.ChainTransient, err, "storage: last completed tick")
	}
	return id, true, nil
}

// CommitTickResult persists a completed tick's snapshots, following the
// per-tick accrual model decided in DESIGN.md's Open Question resolution.
func (s *Store) CommitTickResult(ctx context.Context, tick model.Tick, users []model.UserSnapshot, protocol model.ProtocolSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: begin tick commit")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO ticks (id, timestamp, completed, partial) VALUES ($1,$2,true,$3)
		ON CONFLICT (id) DO UPDATE SET completed=true, partial=EXCLUDED.partial`,
		tick.ID, tick.Timestamp, tick.Partial); err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: upsert tick")
	}

	for _, u := range users {
		balancesJSON, _ := json.Marshal(u.Balances)
		legsJSON, _ := json.Marshal(u.IntegrationBreakdown)
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_snapshots (address, tick_id, balances, integration_legs, total_usd, droplets_this_tick, droplets_cumulative, had_unstake, snapshot_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (address, tick_id) DO NOTHING`,
			u.Address, u.TickID, balancesJSON, legsJSON, u.TotalUSD.Value.String(), u.DropletsThisTick.String(), u.DropletsCumulative.String(), u.HadUnstake, u.SnapshotTimestamp); err != nil {
			return errs.Wrap(errs.ChainTransient, err, "storage: insert user snapshot")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO leaderboard (address, droplets_cumulative, last_tick, ticks_participated, last_active)
			VALUES ($1,$2,$3,1,$4)
			ON CONFLICT (address) DO UPDATE SET
				droplets_cumulative = EXCLUDED.droplets_cumulative,
				last_tick = EXCLUDED.last_tick,
				ticks_participated = leaderboard.ticks_participated + 1,
				last_active = EXCLUDED.last_active`,
			u.Address, u.DropletsCumulative.String(), u.TickID, u.SnapshotTimestamp); err != nil {
			return errs.Wrap(errs.ChainTransient, err, "storage: upsert leaderboard")
		}
	}

	assetTotalsJSON, _ := json.Marshal(protocol.AssetTotals)
	protoTotalsJSON, _ := json.Marshal(protocol.ProtocolTotals)
	if _, err := tx.Exec(ctx, `
		INSERT INTO protocol_snapshots (tick_id, asset_totals, protocol_totals, unique_users, droplets_this_tick, droplets_cumulative, partial, snapshot_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tick_id) DO UPDATE SET
			asset_totals=EXCLUDED.asset_totals, protocol_totals=EXCLUDED.protocol_totals,
			unique_users=EXCLUDED.unique_users, droplets_this_tick=EXCLUDED.droplets_this_tick,
			droplets_cumulative=EXCLUDED.droplets_cumulative, partial=EXCLUDED.partial`,
		protocol.TickID, assetTotalsJSON, protoTotalsJSON, protocol.UniqueUsers, protocol.DropletsThisTick.String(), protocol.DropletsCumulative.String(), protocol.Partial, protocol.SnapshotTimestamp); err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: upsert protocol snapshot")
	}

	return tx.Commit(ctx)
}

// RecordTickIncident appends to the supplemented tick_incidents table
// when a chain's head block could not be read for a tick.
func (s *Store) RecordTickIncident(ctx context.Context, tickID int64, chain model.ChainID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tick_incidents (tick_id, chain_id, reason) VALUES ($1,$2,$3)
		ON CONFLICT (tick_id, chain_id) DO NOTHING`, tickID, uint64(chain), reason)
	if err != nil {
		return errs.Wrap(errs.ChainTransient, err, "storage: record tick incident")
	}
	return nil
}

// ExcludedAddressSet loads the full exclusion list as a set for the
// Accrual Engine.
func (s *Store) ExcludedAddressSet(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM excluded_addresses`)
	if err != nil {
		return nil, errs.Wrap(errs.ChainTransient, err, "storage: load excluded addresses")
	}
	defer rows.Close()
	set := make(map[string]bool)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		set[addr] = true
	}
	return set, rows.Err()
}
