package store

import (
	"fmt"
)

// Initialize creates the database schema if it does not already exist.
func (s *SQLiteStore) Initialize() error {
	if err := s.createSchema(); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	-- Namespaces provide isolation
	CREATE TABLE IF NOT EXISTS namespaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,

		-- Soft limits (enforced by platform, tracked by core)
		repo_limit INTEGER,           -- NULL = unlimited
		storage_limit_bytes INTEGER,  -- NULL = unlimited

		-- For platform correlation (opaque to core)
		external_id TEXT
	);

	-- Principals own permissions; tokens are just auth credentials for principals
	CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		primary_namespace_id TEXT NOT NULL UNIQUE REFERENCES namespaces(id) ON DELETE CASCADE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Folders for organizing repos
	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		namespace_id TEXT NOT NULL REFERENCES namespaces(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		color TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,

		UNIQUE(namespace_id, name)
	);

	-- Repositories
	CREATE TABLE IF NOT EXISTS repos (
		id TEXT PRIMARY KEY,
		namespace_id TEXT NOT NULL REFERENCES namespaces(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,

		-- Visibility
		public BOOLEAN DEFAULT FALSE,  -- If true, anonymous read access allowed

		-- Stats
		size_bytes INTEGER DEFAULT 0,
		last_push_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,

		UNIQUE(namespace_id, name)
	);

	-- Repo-folder association (many-to-many)
	CREATE TABLE IF NOT EXISTS repo_folders (
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		folder_id TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
		PRIMARY KEY (repo_id, folder_id)
	);

	-- Tags for labeling repos (many-to-many)
	CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		namespace_id TEXT NOT NULL REFERENCES namespaces(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		color TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,

		UNIQUE(namespace_id, name)
	);

	CREATE TABLE IF NOT EXISTS repo_tags (
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (repo_id, tag_id)
	);

	-- Namespace grants: permissions a principal has for a namespace
	CREATE TABLE IF NOT EXISTS principal_namespace_grants (
		principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
		namespace_id TEXT NOT NULL REFERENCES namespaces(id) ON DELETE CASCADE,
		allow_bits INTEGER NOT NULL DEFAULT 0,
		deny_bits INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (principal_id, namespace_id)
	);

	-- Repo grants: permissions a principal has for a specific repo
	CREATE TABLE IF NOT EXISTS principal_repo_grants (
		principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		allow_bits INTEGER NOT NULL DEFAULT 0,
		deny_bits INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (principal_id, repo_id)
	);

	-- Tokens are auth credentials; non-admin tokens must belong to a principal
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		token_hash TEXT NOT NULL,             -- argon2id PHC string
		token_lookup TEXT NOT NULL,           -- first 8 chars of ID for fast lookup
		name TEXT,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,  -- admin tokens only access /api/v1/admin/* routes

		-- Principal binding (required for non-admin, NULL only for admin tokens)
		principal_id TEXT REFERENCES principals(id) ON DELETE CASCADE,

		-- Lifecycle
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP,            -- NULL = never
		last_used_at TIMESTAMP
	);

	-- LFS objects: the metadata index mirroring the on-disk content store
	CREATE TABLE IF NOT EXISTS lfs_objects (
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		oid TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (repo_id, oid)
	);

	-- Create indexes
	CREATE INDEX IF NOT EXISTS idx_repos_namespace ON repos(namespace_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_lookup ON tokens(token_lookup);
	CREATE INDEX IF NOT EXISTS idx_tokens_principal ON tokens(principal_id);
	CREATE INDEX IF NOT EXISTS idx_tags_namespace ON tags(namespace_id);
	CREATE INDEX IF NOT EXISTS idx_folders_namespace ON folders(namespace_id);
	CREATE INDEX IF NOT EXISTS idx_repo_folders_folder ON repo_folders(folder_id);
	CREATE INDEX IF NOT EXISTS idx_repo_tags_tag ON repo_tags(tag_id);
	CREATE INDEX IF NOT EXISTS idx_lfs_objects_repo ON lfs_objects(repo_id);
	CREATE INDEX IF NOT EXISTS idx_namespace_grants_principal ON principal_namespace_grants(principal_id);
	CREATE INDEX IF NOT EXISTS idx_repo_grants_principal ON principal_repo_grants(principal_id);
	CREATE INDEX IF NOT EXISTS idx_principals_primary_namespace ON principals(primary_namespace_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
