package postgres

import "context"

// schemaStatements creates every table this store needs if absent,
// following the teacher's EnsureSchema idiom (system/events/store_postgres.go,
// system/api/managers.go): plain "CREATE TABLE IF NOT EXISTS" + "CREATE
// INDEX IF NOT EXISTS" DDL run at startup, with JSON columns for the
// variable-shaped fields (geometry, keyword values, iterate-state, …).
// Schema evolution beyond this baseline is the job of `server upgrade`
// (internal/platform/migrations), per spec.md §6.2/§6.3 — EnsureSchema
// only guarantees a fresh database is usable.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS molecules (
		id BIGSERIAL PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS keyword_sets (
		id BIGSERIAL PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS specifications (
		id BIGSERIAL PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		id BIGSERIAL PRIMARY KEY,
		record_type TEXT NOT NULL,
		status TEXT NOT NULL,
		specification_id BIGINT NOT NULL REFERENCES specifications(id),
		spec_hash TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '*',
		priority SMALLINT NOT NULL DEFAULT 1,
		owner TEXT,
		manager_name TEXT,
		resets_used INT NOT NULL DEFAULT 0,
		previous_status TEXT,
		data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		modified_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_dedup ON records (record_type, spec_hash, inputs_hash) WHERE status <> 'deleted'`,
	`CREATE INDEX IF NOT EXISTS idx_records_status ON records (status)`,
	`CREATE INDEX IF NOT EXISTS idx_records_manager ON records (manager_name)`,
	`CREATE TABLE IF NOT EXISTS record_dependencies (
		parent_id BIGINT NOT NULL REFERENCES records(id),
		child_id BIGINT NOT NULL REFERENCES records(id),
		position INT NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_record_deps_child ON record_dependencies (child_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		record_id BIGINT NOT NULL UNIQUE REFERENCES records(id),
		tag TEXT NOT NULL DEFAULT '*',
		priority SMALLINT NOT NULL DEFAULT 1,
		required_programs JSONB NOT NULL DEFAULT '[]',
		payload JSONB NOT NULL DEFAULT '{}',
		manager_name TEXT,
		lease_deadline TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks (tag, priority, created_at) WHERE lease_deadline IS NULL`,
	`CREATE TABLE IF NOT EXISTS services (
		id BIGSERIAL PRIMARY KEY,
		record_id BIGINT NOT NULL UNIQUE REFERENCES records(id),
		tag TEXT NOT NULL DEFAULT '*',
		priority SMALLINT NOT NULL DEFAULT 1,
		iterate_state JSONB NOT NULL DEFAULT '{}',
		pending_children JSONB NOT NULL DEFAULT '[]',
		iteration INT NOT NULL DEFAULT 0,
		next_iteration_due_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_services_due ON services (next_iteration_due_at)`,
	`CREATE TABLE IF NOT EXISTS managers (
		name TEXT PRIMARY KEY,
		cluster TEXT,
		host TEXT,
		version TEXT,
		tags JSONB NOT NULL DEFAULT '[]',
		programs JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'active',
		last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		claimed_count BIGINT NOT NULL DEFAULT 0,
		completed_count BIGINT NOT NULL DEFAULT 0,
		failed_count BIGINT NOT NULL DEFAULT 0,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		id BIGSERIAL PRIMARY KEY,
		hash TEXT NOT NULL,
		content_type TEXT NOT NULL,
		compressed BOOLEAN NOT NULL DEFAULT false,
		data BYTEA NOT NULL,
		size_bytes INT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		permissions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates every table/index this store needs if it does not
// already exist. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
