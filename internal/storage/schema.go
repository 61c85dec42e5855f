package storage

// schema is executed on every open; all statements are idempotent.
// Timestamps are unix seconds, money columns are EUR cents, and crypto
// quantities and percentages are decimal strings.
const schema = `
CREATE TABLE IF NOT EXISTS products (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    city          TEXT NOT NULL,
    district      TEXT NOT NULL,
    product_type  TEXT NOT NULL,
    size          TEXT NOT NULL,
    price_cents   INTEGER NOT NULL,
    available     INTEGER NOT NULL DEFAULT 1,
    reserved      INTEGER NOT NULL DEFAULT 0,
    details       TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    CHECK (reserved >= 0),
    CHECK (available >= reserved)
);
CREATE INDEX IF NOT EXISTS idx_products_selector
    ON products(city, district, product_type, size, price_cents);

CREATE TABLE IF NOT EXISTS users (
    telegram_id     INTEGER PRIMARY KEY,
    balance_cents   INTEGER NOT NULL DEFAULT 0,
    total_purchases INTEGER NOT NULL DEFAULT 0,
    language        TEXT NOT NULL DEFAULT 'en',
    is_reseller     INTEGER NOT NULL DEFAULT 0,
    banned          INTEGER NOT NULL DEFAULT 0,
    blocked         INTEGER NOT NULL DEFAULT 0,
    applied_code    TEXT NOT NULL DEFAULT '',
    last_seen       INTEGER NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS basket_entries (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id      INTEGER NOT NULL,
    product_id   INTEGER NOT NULL,
    product_type TEXT NOT NULL,
    price_cents  INTEGER NOT NULL,
    reserved_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_basket_entries_user ON basket_entries(user_id, reserved_at);
CREATE INDEX IF NOT EXISTS idx_basket_entries_product ON basket_entries(product_id);

CREATE TABLE IF NOT EXISTS pending_deposits (
    payment_id      TEXT PRIMARY KEY,
    user_id         INTEGER NOT NULL,
    currency        TEXT NOT NULL,
    target_cents    INTEGER NOT NULL,
    expected_crypto TEXT NOT NULL,
    pay_address     TEXT NOT NULL DEFAULT '',
    is_purchase     INTEGER NOT NULL,
    discount_code   TEXT NOT NULL DEFAULT '',
    bot_id          INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_deposits_user ON pending_deposits(user_id);
CREATE INDEX IF NOT EXISTS idx_pending_deposits_age ON pending_deposits(created_at);

CREATE TABLE IF NOT EXISTS deposit_items (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    payment_id   TEXT NOT NULL,
    product_id   INTEGER NOT NULL,
    product_type TEXT NOT NULL,
    size         TEXT NOT NULL,
    city         TEXT NOT NULL,
    district     TEXT NOT NULL,
    details      TEXT NOT NULL DEFAULT '',
    price_cents  INTEGER NOT NULL,
    reserved_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deposit_items_payment ON deposit_items(payment_id);

CREATE TABLE IF NOT EXISTS discount_codes (
    code          TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    value         TEXT NOT NULL,
    active        INTEGER NOT NULL DEFAULT 1,
    total_cap     INTEGER,
    per_user_cap  INTEGER,
    uses_count    INTEGER NOT NULL DEFAULT 0,
    expires_at    INTEGER,
    cities        TEXT NOT NULL DEFAULT '',
    product_types TEXT NOT NULL DEFAULT '',
    sizes         TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS discount_usages (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id      INTEGER NOT NULL,
    code         TEXT NOT NULL,
    amount_cents INTEGER NOT NULL,
    used_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_discount_usages_code ON discount_usages(code, user_id);

CREATE TABLE IF NOT EXISTS reseller_rules (
    user_id      INTEGER NOT NULL,
    product_type TEXT NOT NULL,
    percent      TEXT NOT NULL,
    PRIMARY KEY (user_id, product_type)
);

CREATE TABLE IF NOT EXISTS purchases (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id          INTEGER NOT NULL,
    payment_id       TEXT NOT NULL,
    product_id       INTEGER NOT NULL,
    product_type     TEXT NOT NULL,
    size             TEXT NOT NULL,
    city             TEXT NOT NULL,
    district         TEXT NOT NULL,
    price_paid_cents INTEGER NOT NULL,
    bot_id           INTEGER NOT NULL DEFAULT 0,
    purchased_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id, purchased_at);

CREATE TABLE IF NOT EXISTS balance_ledger (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     INTEGER NOT NULL,
    delta_cents INTEGER NOT NULL,
    reason      TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_balance_ledger_user ON balance_ledger(user_id, created_at);

CREATE TABLE IF NOT EXISTS admin_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    actor_id   INTEGER NOT NULL,
    action     TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`
