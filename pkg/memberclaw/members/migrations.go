package members

import "github.com/jholhewres/memberclaw/pkg/memberclaw/database"

// Migrations is the member schema, oldest first.
var Migrations = []database.Migration{
	{
		Version: 1,
		Name:    "members",
		SQLite: `
CREATE TABLE IF NOT EXISTS members (
	id               TEXT PRIMARY KEY,
	user_key         TEXT NOT NULL UNIQUE,
	full_name        TEXT NOT NULL,
	birth_date       TEXT NOT NULL DEFAULT '',
	membership_email TEXT UNIQUE,
	expiration_date  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS addresses (
	id          TEXT PRIMARY KEY,
	member_id   TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	label       TEXT NOT NULL DEFAULT 'home',
	street      TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '',
	postal_code TEXT NOT NULL DEFAULT '',
	country     TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_addresses_member ON addresses(member_id);
CREATE TABLE IF NOT EXISTS legal_representatives (
	id           TEXT PRIMARY KEY,
	member_id    TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	full_name    TEXT NOT NULL,
	relationship TEXT NOT NULL DEFAULT '',
	document_id  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_representatives_member ON legal_representatives(member_id);
`,
		PostgreSQL: `
CREATE TABLE IF NOT EXISTS members (
	id               TEXT PRIMARY KEY,
	user_key         TEXT NOT NULL UNIQUE,
	full_name        TEXT NOT NULL,
	birth_date       TEXT NOT NULL DEFAULT '',
	membership_email TEXT UNIQUE,
	expiration_date  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS addresses (
	id          TEXT PRIMARY KEY,
	member_id   TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	label       TEXT NOT NULL DEFAULT 'home',
	street      TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '',
	postal_code TEXT NOT NULL DEFAULT '',
	country     TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_addresses_member ON addresses(member_id);
CREATE TABLE IF NOT EXISTS legal_representatives (
	id           TEXT PRIMARY KEY,
	member_id    TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	full_name    TEXT NOT NULL,
	relationship TEXT NOT NULL DEFAULT '',
	document_id  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_representatives_member ON legal_representatives(member_id);
`,
	},
	{
		Version: 2,
		Name:    "groups_feedback_resets",
		SQLite: `
CREATE TABLE IF NOT EXISTS whatsapp_groups (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	invite_link TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS group_memberships (
	group_id  TEXT NOT NULL REFERENCES whatsapp_groups(id) ON DELETE CASCADE,
	member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	joined_at DATETIME NOT NULL,
	PRIMARY KEY (group_id, member_id)
);
CREATE TABLE IF NOT EXISTS feedback (
	id         TEXT PRIMARY KEY,
	user_key   TEXT NOT NULL,
	member_id  TEXT,
	rating     INTEGER NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS password_resets (
	token      TEXT PRIMARY KEY,
	member_id  TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
`,
		PostgreSQL: `
CREATE TABLE IF NOT EXISTS whatsapp_groups (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	invite_link TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS group_memberships (
	group_id  TEXT NOT NULL REFERENCES whatsapp_groups(id) ON DELETE CASCADE,
	member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	joined_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (group_id, member_id)
);
CREATE TABLE IF NOT EXISTS feedback (
	id         TEXT PRIMARY KEY,
	user_key   TEXT NOT NULL,
	member_id  TEXT,
	rating     INTEGER NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS password_resets (
	token      TEXT PRIMARY KEY,
	member_id  TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`,
	},
}
