package store

// schema mirrors database_setup.py's initialize_database table-for-table:
// hostname_pool, venues, deployment_history, master_images,
// deployment_batches, plus the same indexes. CHECK/UNIQUE constraints
// enforce the invariants spec.md §3 names so the Allocator doesn't have to
// re-derive them from application code alone.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS venues (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL UNIQUE CHECK(length(code) = 4),
    name TEXT NOT NULL,
    location TEXT,
    contact_email TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS hostname_pool (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    product_type TEXT NOT NULL CHECK(product_type IN ('KXP2', 'RXP2')),
    venue_code TEXT NOT NULL CHECK(length(venue_code) = 4),
    identifier TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('available', 'assigned', 'retired')),
    mac_address TEXT,
    serial_number TEXT,
    assigned_at TIMESTAMP,
    notes TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(product_type, venue_code, identifier)
);

CREATE INDEX IF NOT EXISTS idx_hostname_status ON hostname_pool(status);
CREATE INDEX IF NOT EXISTS idx_hostname_venue ON hostname_pool(venue_code);

CREATE TABLE IF NOT EXISTS deployment_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hostname TEXT NOT NULL,
    mac_address TEXT,
    serial_number TEXT,
    ip_address TEXT,
    product_type TEXT,
    venue_code TEXT,
    image_version TEXT,
    deployment_status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_deployment_started_at ON deployment_history(started_at);

CREATE TABLE IF NOT EXISTS master_images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    filename TEXT NOT NULL UNIQUE,
    product_type TEXT NOT NULL CHECK(product_type IN ('KXP2', 'RXP2')),
    version TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT 0,
    uploaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS deployment_batches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    venue_code TEXT NOT NULL,
    product_type TEXT NOT NULL CHECK(product_type IN ('KXP2', 'RXP2')),
    total_count INTEGER NOT NULL CHECK(total_count > 0),
    remaining_count INTEGER NOT NULL CHECK(remaining_count >= 0),
    priority INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('pending', 'active', 'paused', 'completed', 'cancelled')),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    FOREIGN KEY (venue_code) REFERENCES venues(code)
);

CREATE INDEX IF NOT EXISTS idx_batch_status_priority ON deployment_batches(status, priority);
CREATE INDEX IF NOT EXISTS idx_batch_venue ON deployment_batches(venue_code);
`
