package store

// Timestamps are Unix milliseconds. distance, variance and anchor_dist are metres.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS zones (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		auto_name TEXT UNIQUE,
		attrs TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS listeners (
		id TEXT PRIMARY KEY,
		name TEXT,
		zone_id INTEGER REFERENCES zones(id) ON DELETE SET NULL,
		last_seen BIGINT NOT NULL,
		attrs TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mac TEXT,
		uuid TEXT,
		major INTEGER,
		minor INTEGER,
		bid BIGINT UNIQUE,
		type TEXT NOT NULL,
		name TEXT,
		zone_id INTEGER REFERENCES zones(id) ON DELETE SET NULL,
		distance NUMERIC(8,2),
		battery_pct INTEGER,
		alarm_active BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen BIGINT NOT NULL,
		last_clock BIGINT,
		attrs TEXT NOT NULL DEFAULT '{}',
		UNIQUE (uuid, major, minor)
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tags_relay_mac ON tags(mac) WHERE type = 'SmartRelay';`,
	`CREATE INDEX IF NOT EXISTS tags_mac_seen ON tags(mac, last_seen);`,
	`CREATE TABLE IF NOT EXISTS log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		zone_id INTEGER REFERENCES zones(id) ON DELETE SET NULL,
		ts BIGINT NOT NULL,
		distance NUMERIC(8,2),
		variance NUMERIC(8,1),
		listener_id TEXT,
		anchor_id INTEGER REFERENCES tags(id) ON DELETE SET NULL,
		anchor_dist NUMERIC(8,2),
		anchor_ts_delta INTEGER,
		reason TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS log_tag_ts ON log(tag_id, ts);`,
	`CREATE INDEX IF NOT EXISTS log_ts ON log(ts);`,
	`CREATE TABLE IF NOT EXISTS alarms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		start_ts BIGINT NOT NULL,
		last_ts BIGINT NOT NULL,
		ack_ts BIGINT,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		priority INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alarms_open ON alarms(tag_id) WHERE acknowledged = FALSE;`,
	`CREATE TABLE IF NOT EXISTS sensors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		type INTEGER NOT NULL,
		value BLOB NOT NULL,
		ts BIGINT NOT NULL,
		device_ts BIGINT
	);`,
	`CREATE INDEX IF NOT EXISTS sensors_tag_ts ON sensors(tag_id, ts);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS zones (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		auto_name TEXT UNIQUE,
		attrs TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS listeners (
		id TEXT PRIMARY KEY,
		name TEXT,
		zone_id BIGINT REFERENCES zones(id) ON DELETE SET NULL,
		last_seen BIGINT NOT NULL,
		attrs TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS tags (
		id BIGSERIAL PRIMARY KEY,
		mac TEXT,
		uuid TEXT,
		major INTEGER,
		minor INTEGER,
		bid BIGINT UNIQUE,
		type TEXT NOT NULL,
		name TEXT,
		zone_id BIGINT REFERENCES zones(id) ON DELETE SET NULL,
		distance NUMERIC(8,2),
		battery_pct INTEGER,
		alarm_active BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen BIGINT NOT NULL,
		last_clock BIGINT,
		attrs TEXT NOT NULL DEFAULT '{}',
		UNIQUE (uuid, major, minor)
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tags_relay_mac ON tags(mac) WHERE type = 'SmartRelay';`,
	`CREATE INDEX IF NOT EXISTS tags_mac_seen ON tags(mac, last_seen);`,
	`CREATE TABLE IF NOT EXISTS log (
		id BIGSERIAL PRIMARY KEY,
		tag_id BIGINT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		zone_id BIGINT REFERENCES zones(id) ON DELETE SET NULL,
		ts BIGINT NOT NULL,
		distance NUMERIC(8,2),
		variance NUMERIC(8,1),
		listener_id TEXT,
		anchor_id BIGINT REFERENCES tags(id) ON DELETE SET NULL,
		anchor_dist NUMERIC(8,2),
		anchor_ts_delta INTEGER,
		reason TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS log_tag_ts ON log(tag_id, ts);`,
	`CREATE INDEX IF NOT EXISTS log_ts ON log(ts);`,
	`CREATE TABLE IF NOT EXISTS alarms (
		id BIGSERIAL PRIMARY KEY,
		tag_id BIGINT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		start_ts BIGINT NOT NULL,
		last_ts BIGINT NOT NULL,
		ack_ts BIGINT,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		priority INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alarms_open ON alarms(tag_id) WHERE acknowledged = FALSE;`,
	`CREATE TABLE IF NOT EXISTS sensors (
		id BIGSERIAL PRIMARY KEY,
		tag_id BIGINT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		type INTEGER NOT NULL,
		value BYTEA NOT NULL,
		ts BIGINT NOT NULL,
		device_ts BIGINT
	);`,
	`CREATE INDEX IF NOT EXISTS sensors_tag_ts ON sensors(tag_id, ts);`,
}
