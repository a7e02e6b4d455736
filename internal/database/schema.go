package database

// Schema is the canonical database layout. Decimal quantities are stored as
// TEXT to keep exact values; timestamps are RFC3339 TEXT.
//
// trades.trade_id is intentionally NOT unique: parents of two-step trades
// start with a placeholder id that is overwritten with the joined step ids
// on completion.
const Schema = `
CREATE TABLE IF NOT EXISTS bots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    coins TEXT NOT NULL,                -- ordered, comma-separated symbols
    initial_coin TEXT NOT NULL,
    current_coin TEXT,
    threshold_percent TEXT NOT NULL,
    global_threshold_percent TEXT NOT NULL DEFAULT '0',
    check_interval_minutes INTEGER NOT NULL DEFAULT 5,
    commission_rate TEXT NOT NULL DEFAULT '0.002',
    preferred_stablecoin TEXT NOT NULL DEFAULT 'USDT',
    reference_coin TEXT NOT NULL DEFAULT 'ETH',
    allocation_percent TEXT,
    manual_budget_amount TEXT,
    use_take_profit INTEGER NOT NULL DEFAULT 0,
    take_profit_percent TEXT,
    account_id TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 0,
    last_check_time TEXT,
    global_peak_value TEXT NOT NULL DEFAULT '0',
    global_peak_value_in_eth TEXT NOT NULL DEFAULT '0',
    total_commissions_paid TEXT NOT NULL DEFAULT '0',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS bot_assets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    coin TEXT NOT NULL,
    amount TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    stablecoin_equivalent TEXT NOT NULL,
    last_updated TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bot_assets_bot ON bot_assets(bot_id);

CREATE TABLE IF NOT EXISTS coin_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    coin TEXT NOT NULL,
    initial_price TEXT NOT NULL,
    snapshot_timestamp TEXT NOT NULL,
    units_held TEXT NOT NULL DEFAULT '0',
    eth_equivalent_value TEXT NOT NULL DEFAULT '0',
    was_ever_held INTEGER NOT NULL DEFAULT 0,
    max_units_reached TEXT NOT NULL DEFAULT '0',
    UNIQUE(bot_id, coin)
);

CREATE TABLE IF NOT EXISTS coin_unit_trackers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    coin TEXT NOT NULL,
    units TEXT NOT NULL,
    last_price TEXT NOT NULL DEFAULT '0',
    updated_at TEXT NOT NULL,
    UNIQUE(bot_id, coin)
);

CREATE TABLE IF NOT EXISTS coin_deviations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    base_coin TEXT NOT NULL,
    target_coin TEXT NOT NULL,
    base_price TEXT NOT NULL,
    target_price TEXT NOT NULL,
    deviation_percent TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_coin_deviations_bot ON coin_deviations(bot_id, created_at);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    trade_id TEXT,
    kind TEXT NOT NULL,
    from_coin TEXT NOT NULL,
    to_coin TEXT NOT NULL,
    from_amount TEXT NOT NULL DEFAULT '0',
    to_amount TEXT NOT NULL DEFAULT '0',
    from_price TEXT NOT NULL DEFAULT '0',
    to_price TEXT NOT NULL DEFAULT '0',
    commission_amount TEXT NOT NULL DEFAULT '0',
    commission_rate TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL DEFAULT 'in_progress',
    executed_at TEXT NOT NULL,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades(bot_id, executed_at);

CREATE TABLE IF NOT EXISTS trade_steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_trade_id INTEGER NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
    step_number INTEGER NOT NULL,
    trade_id TEXT NOT NULL DEFAULT '',
    from_coin TEXT NOT NULL,
    to_coin TEXT NOT NULL,
    from_amount TEXT NOT NULL DEFAULT '0',
    to_amount TEXT NOT NULL DEFAULT '0',
    from_price TEXT NOT NULL DEFAULT '0',
    to_price TEXT NOT NULL DEFAULT '0',
    commission_amount TEXT NOT NULL DEFAULT '0',
    commission_rate TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL DEFAULT 'in_progress',
    executed_at TEXT NOT NULL,
    completed_at TEXT,
    raw_data TEXT
);
CREATE INDEX IF NOT EXISTS idx_trade_steps_parent ON trade_steps(parent_trade_id, step_number);

CREATE TABLE IF NOT EXISTS missed_trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    from_coin TEXT NOT NULL,
    to_coin TEXT NOT NULL,
    reason TEXT NOT NULL,
    score TEXT NOT NULL DEFAULT '0',
    context TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_missed_trades_bot ON missed_trades(bot_id, created_at);

CREATE TABLE IF NOT EXISTS asset_locks (
    lock_id TEXT PRIMARY KEY,
    bot_id INTEGER NOT NULL,
    coin TEXT NOT NULL,
    amount TEXT NOT NULL,
    reason TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'locked',
    expires_at TEXT NOT NULL,
    created_at TEXT NOT NULL,
    released_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_asset_locks_coin ON asset_locks(coin, status);

CREATE TABLE IF NOT EXISTS bot_reset_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    reason TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL,
    coin TEXT NOT NULL,
    price TEXT NOT NULL,
    source TEXT NOT NULL,
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_bot_coin ON price_history(bot_id, coin, timestamp);

CREATE TABLE IF NOT EXISTS log_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    context TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_entries_level ON log_entries(level, created_at);
CREATE INDEX IF NOT EXISTS idx_log_entries_bot ON log_entries(bot_id, created_at);
`
