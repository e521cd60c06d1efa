package storage

// Schema is applied by cmd/migrate before any subsystem starts. Tables
// follow the unified, chain-scoped layout decided in DESIGN.md's Open
// Question resolution: one table per entity, chain_id as a column rather
// than a separate schema per chain, natural-key uniqueness enforced with
// a UNIQUE constraint backing every idempotent-ingest ON CONFLICT.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cursors (
	chain_id         BIGINT NOT NULL,
	contract_address TEXT NOT NULL,
	last_block       BIGINT NOT NULL,
	last_block_hash  TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, contract_address)
);

CREATE TABLE IF NOT EXISTS share_events (
	chain_id     BIGINT NOT NULL,
	asset        TEXT NOT NULL,
	address      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	shares_delta NUMERIC NOT NULL,
	round_id     BIGINT,
	block        BIGINT NOT NULL,
	tx_hash      TEXT NOT NULL,
	log_index    INTEGER NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	-- address is part of the key, not just (chain_id, tx_hash, log_index):
	-- a plain wallet-to-wallet transfer commits a debit leg and a credit leg
	-- from the same log, and both have to survive the idempotent upsert.
	PRIMARY KEY (chain_id, tx_hash, log_index, address)
);
CREATE INDEX IF NOT EXISTS idx_share_events_address ON share_events(address);
CREATE INDEX IF NOT EXISTS idx_share_events_block ON share_events(chain_id, block);

CREATE TABLE IF NOT EXISTS integration_events (
	protocol_id      TEXT NOT NULL,
	address          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	shares_delta     NUMERIC NOT NULL,
	underlying_delta NUMERIC,
	block            BIGINT NOT NULL,
	tx_hash          TEXT NOT NULL,
	log_index        INTEGER NOT NULL,
	occurred_at      TIMESTAMPTZ NOT NULL,
	inserted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	-- same reasoning as share_events: a secondary-market transfer of the
	-- venue's own token commits both a debit and a credit leg per log.
	PRIMARY KEY (protocol_id, tx_hash, log_index, address)
);
CREATE INDEX IF NOT EXISTS idx_integration_events_address ON integration_events(address);

CREATE TABLE IF NOT EXISTS pps_observations (
	asset      TEXT NOT NULL,
	round_id   BIGINT NOT NULL,
	pps        NUMERIC NOT NULL,
	pps_scale  SMALLINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (asset, round_id)
);

CREATE TABLE IF NOT EXISTS oracle_prices (
	asset   TEXT NOT NULL,
	tick_id BIGINT NOT NULL,
	block   BIGINT NOT NULL,
	price   NUMERIC NOT NULL,
	scale   SMALLINT NOT NULL,
	source  TEXT NOT NULL,
	PRIMARY KEY (asset, tick_id)
);

CREATE TABLE IF NOT EXISTS excluded_addresses (
	address TEXT PRIMARY KEY,
	reason  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS unstake_marks (
	address TEXT NOT NULL,
	asset   TEXT NOT NULL,
	round   BIGINT NOT NULL,
	PRIMARY KEY (address, asset, round)
);

CREATE TABLE IF NOT EXISTS ticks (
	id         BIGINT PRIMARY KEY,
	timestamp  TIMESTAMPTZ NOT NULL,
	completed  BOOLEAN NOT NULL DEFAULT false,
	partial    BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS user_snapshots (
	address             TEXT NOT NULL,
	tick_id             BIGINT NOT NULL,
	balances            JSONB NOT NULL,
	integration_legs    JSONB NOT NULL,
	total_usd           NUMERIC NOT NULL,
	droplets_this_tick  NUMERIC NOT NULL,
	droplets_cumulative NUMERIC NOT NULL,
	had_unstake         BOOLEAN NOT NULL DEFAULT false,
	snapshot_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (address, tick_id)
);
CREATE INDEX IF NOT EXISTS idx_user_snapshots_tick ON user_snapshots(tick_id);

CREATE TABLE IF NOT EXISTS protocol_snapshots (
	tick_id             BIGINT PRIMARY KEY,
	asset_totals        JSONB NOT NULL,
	protocol_totals     JSONB NOT NULL,
	unique_users        BIGINT NOT NULL,
	droplets_this_tick  NUMERIC NOT NULL,
	droplets_cumulative NUMERIC NOT NULL,
	partial             BOOLEAN NOT NULL DEFAULT false,
	snapshot_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS leaderboard (
	address             TEXT PRIMARY KEY,
	droplets_cumulative NUMERIC NOT NULL,
	last_tick           BIGINT NOT NULL,
	ticks_participated  BIGINT NOT NULL,
	last_active         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leaderboard_droplets ON leaderboard(droplets_cumulative DESC);

-- tick_incidents is a supplemented table (not in the distilled spec): it
-- records per-chain reasons a tick was marked partial (a chain whose head
-- block could not be read) so an operator can tell a partial tick from
-- a silent gap, per SPEC_FULL.md's tick_incidents addition.
CREATE TABLE IF NOT EXISTS tick_incidents (
	tick_id     BIGINT NOT NULL,
	chain_id    BIGINT NOT NULL,
	reason      TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tick_id, chain_id)
);
`
