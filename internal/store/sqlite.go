package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bantamhq/cutman/internal/core"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. A single connection is kept
// open since SQLite under WAL mode still serializes writers; the server
// never needs a connection pool here.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func isTokenLookupCollision(err error) bool {
	return isUniqueConstraint(err)
}

// ---- Principals ----

func (s *SQLiteStore) CreatePrincipal(p *Principal) error {
	_, err := s.db.Exec(`
		INSERT INTO principals (id, primary_namespace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.PrimaryNamespaceID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanPrincipal(row *sql.Row) (*Principal, error) {
	var p Principal
	err := row.Scan(&p.ID, &p.PrimaryNamespaceID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetPrincipal(id string) (*Principal, error) {
	row := s.db.QueryRow(`SELECT id, primary_namespace_id, created_at, updated_at FROM principals WHERE id = ?`, id)
	return s.scanPrincipal(row)
}

func (s *SQLiteStore) GetPrincipalByPrimaryNamespace(namespaceID string) (*Principal, error) {
	row := s.db.QueryRow(`SELECT id, primary_namespace_id, created_at, updated_at FROM principals WHERE primary_namespace_id = ?`, namespaceID)
	return s.scanPrincipal(row)
}

func (s *SQLiteStore) ListPrincipals(cursor string, limit int) ([]Principal, error) {
	rows, err := s.db.Query(`
		SELECT id, primary_namespace_id, created_at, updated_at
		FROM principals
		WHERE id > ?
		ORDER BY id
		LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query principals: %w", err)
	}
	defer rows.Close()

	var principals []Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.ID, &p.PrimaryNamespaceID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

func (s *SQLiteStore) DeletePrincipal(id string) error {
	result, err := s.db.Exec("DELETE FROM principals WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- Tokens ----

func (s *SQLiteStore) CreateToken(token *Token) error {
	_, err := s.db.Exec(`
		INSERT INTO tokens (id, token_hash, token_lookup, name, is_admin, principal_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		token.ID,
		token.TokenHash,
		token.TokenLookup,
		ToNullString(token.Name),
		token.IsAdmin,
		ToNullString(token.PrincipalID),
		token.CreatedAt,
		ToNullTime(token.ExpiresAt),
	)
	if err != nil {
		if isTokenLookupCollision(err) {
			return ErrTokenLookupCollision
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanToken(row *sql.Row) (*Token, error) {
	var token Token
	var name, principalID sql.NullString
	var expiresAt, lastUsedAt sql.NullTime

	err := row.Scan(
		&token.ID,
		&token.TokenHash,
		&token.TokenLookup,
		&name,
		&token.IsAdmin,
		&principalID,
		&token.CreatedAt,
		&expiresAt,
		&lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}

	token.Name = FromNullString(name)
	token.PrincipalID = FromNullString(principalID)
	token.ExpiresAt = FromNullTime(expiresAt)
	token.LastUsedAt = FromNullTime(lastUsedAt)

	return &token, nil
}

const tokenColumns = `id, token_hash, token_lookup, name, is_admin, principal_id, created_at, expires_at, last_used_at`

func (s *SQLiteStore) GetTokenByID(id string) (*Token, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return s.scanToken(row)
}

// GetTokenByLookup retrieves a token by its lookup prefix. Callers still
// must verify the full secret against TokenHash; this only narrows the
// candidate row. Does not touch last_used_at — callers must call
// TouchTokenLastUsed once the full validation pipeline succeeds.
func (s *SQLiteStore) GetTokenByLookup(lookup string) (*Token, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM tokens WHERE token_lookup = ?`, lookup)
	return s.scanToken(row)
}

// TouchTokenLastUsed records that a token was just used successfully. Callers
// must only invoke this after the secret has been verified, expiry checked,
// and any guard-specific eligibility confirmed.
func (s *SQLiteStore) TouchTokenLastUsed(id string) error {
	_, err := s.db.Exec("UPDATE tokens SET last_used_at = ? WHERE id = ?", time.Now(), id)
	if err != nil {
		return fmt.Errorf("update token last_used_at: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTokens(cursor string, limit int) ([]Token, error) {
	rows, err := s.db.Query(`SELECT `+tokenColumns+` FROM tokens WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()
	return s.scanTokenRows(rows)
}

func (s *SQLiteStore) ListPrincipalTokens(principalID string) ([]Token, error) {
	rows, err := s.db.Query(`SELECT `+tokenColumns+` FROM tokens WHERE principal_id = ? ORDER BY created_at DESC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("query principal tokens: %w", err)
	}
	defer rows.Close()
	return s.scanTokenRows(rows)
}

func (s *SQLiteStore) scanTokenRows(rows *sql.Rows) ([]Token, error) {
	var tokens []Token
	for rows.Next() {
		var token Token
		var name, principalID sql.NullString
		var expiresAt, lastUsedAt sql.NullTime

		if err := rows.Scan(
			&token.ID,
			&token.TokenHash,
			&token.TokenLookup,
			&name,
			&token.IsAdmin,
			&principalID,
			&token.CreatedAt,
			&expiresAt,
			&lastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}

		token.Name = FromNullString(name)
		token.PrincipalID = FromNullString(principalID)
		token.ExpiresAt = FromNullTime(expiresAt)
		token.LastUsedAt = FromNullTime(lastUsedAt)
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) DeleteToken(id string) error {
	result, err := s.db.Exec("DELETE FROM tokens WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) HasAdminToken() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tokens WHERE is_admin = TRUE").Scan(&count); err != nil {
		return false, fmt.Errorf("count admin tokens: %w", err)
	}
	return count > 0, nil
}

// GenerateAdminToken creates the first admin token if none exists yet.
// Returns an empty string (no error) if an admin token already exists, so
// callers can treat repeated bootstrap runs as idempotent.
func (s *SQLiteStore) GenerateAdminToken() (string, error) {
	has, err := s.HasAdminToken()
	if err != nil {
		return "", err
	}
	if has {
		return "", nil
	}

	const maxAttempts = 3
	name := "admin"

	for attempt := 0; attempt < maxAttempts; attempt++ {
		tokenID := uuid.New().String()
		tokenLookup := tokenID[:8]

		secret, err := core.GenerateTokenSecret(24)
		if err != nil {
			return "", fmt.Errorf("generate token secret: %w", err)
		}

		rawToken := core.BuildToken(tokenLookup, secret)

		tokenHash, err := core.HashToken(rawToken)
		if err != nil {
			return "", fmt.Errorf("hash token: %w", err)
		}

		token := &Token{
			ID:          tokenID,
			TokenHash:   tokenHash,
			TokenLookup: tokenLookup,
			Name:        &name,
			IsAdmin:     true,
			CreatedAt:   time.Now(),
		}

		if err := s.CreateToken(token); err != nil {
			if errors.Is(err, ErrTokenLookupCollision) {
				continue
			}
			return "", fmt.Errorf("create admin token: %w", err)
		}

		return rawToken, nil
	}

	return "", fmt.Errorf("generate admin token: %w", ErrTokenLookupCollision)
}

// GenerateUserTokenWithGrants creates a non-admin token bound to principalID,
// then applies the given namespace/repo grants. Retries on token lookup
// collision (astronomically unlikely, but bounded per spec).
func (s *SQLiteStore) GenerateUserTokenWithGrants(principalID string, name *string, expiresAt *time.Time, namespaceGrants []NamespaceGrant, repoGrants []RepoGrant) (string, *Token, error) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		rawToken, token, err := s.generateUserTokenAttempt(principalID, name, expiresAt)
		if err != nil {
			if errors.Is(err, ErrTokenLookupCollision) {
				continue
			}
			return "", nil, err
		}

		now := time.Now()
		for i := range namespaceGrants {
			namespaceGrants[i].PrincipalID = principalID
			namespaceGrants[i].CreatedAt = now
			namespaceGrants[i].UpdatedAt = now
			if err := s.UpsertNamespaceGrant(&namespaceGrants[i]); err != nil {
				return "", nil, err
			}
		}
		for i := range repoGrants {
			repoGrants[i].PrincipalID = principalID
			repoGrants[i].CreatedAt = now
			repoGrants[i].UpdatedAt = now
			if err := s.UpsertRepoGrant(&repoGrants[i]); err != nil {
				return "", nil, err
			}
		}

		return rawToken, token, nil
	}

	return "", nil, fmt.Errorf("generate user token: %w", ErrTokenLookupCollision)
}

func (s *SQLiteStore) generateUserTokenAttempt(principalID string, name *string, expiresAt *time.Time) (string, *Token, error) {
	now := time.Now()
	tokenID := uuid.New().String()
	tokenLookup := tokenID[:8]

	secret, err := core.GenerateTokenSecret(24)
	if err != nil {
		return "", nil, fmt.Errorf("generate token secret: %w", err)
	}

	rawToken := core.BuildToken(tokenLookup, secret)

	tokenHash, err := core.HashToken(rawToken)
	if err != nil {
		return "", nil, fmt.Errorf("hash token: %w", err)
	}

	token := &Token{
		ID:          tokenID,
		TokenHash:   tokenHash,
		TokenLookup: tokenLookup,
		Name:        name,
		IsAdmin:     false,
		PrincipalID: &principalID,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	if err := s.CreateToken(token); err != nil {
		return "", nil, err
	}

	return rawToken, token, nil
}

// ---- Namespace grants ----

func (s *SQLiteStore) UpsertNamespaceGrant(grant *NamespaceGrant) error {
	owner, err := s.GetPrincipalByPrimaryNamespace(grant.NamespaceID)
	if err != nil {
		return fmt.Errorf("get namespace owner: %w", err)
	}
	if owner != nil {
		return ErrPrimaryNamespaceGrant
	}

	_, err = s.db.Exec(`
		INSERT INTO principal_namespace_grants (principal_id, namespace_id, allow_bits, deny_bits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id, namespace_id) DO UPDATE SET
			allow_bits = excluded.allow_bits,
			deny_bits = excluded.deny_bits,
			updated_at = excluded.updated_at
	`, grant.PrincipalID, grant.NamespaceID, grant.AllowBits, grant.DenyBits, grant.CreatedAt, grant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert namespace grant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteNamespaceGrant(principalID, namespaceID string) error {
	result, err := s.db.Exec(
		"DELETE FROM principal_namespace_grants WHERE principal_id = ? AND namespace_id = ?",
		principalID, namespaceID,
	)
	if err != nil {
		return fmt.Errorf("delete namespace grant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) GetNamespaceGrant(principalID, namespaceID string) (*NamespaceGrant, error) {
	var grant NamespaceGrant
	err := s.db.QueryRow(`
		SELECT principal_id, namespace_id, allow_bits, deny_bits, created_at, updated_at
		FROM principal_namespace_grants
		WHERE principal_id = ? AND namespace_id = ?
	`, principalID, namespaceID).Scan(
		&grant.PrincipalID,
		&grant.NamespaceID,
		&grant.AllowBits,
		&grant.DenyBits,
		&grant.CreatedAt,
		&grant.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan namespace grant: %w", err)
	}
	return &grant, nil
}

func (s *SQLiteStore) ListPrincipalNamespaceGrants(principalID string) ([]NamespaceGrant, error) {
	rows, err := s.db.Query(`
		SELECT principal_id, namespace_id, allow_bits, deny_bits, created_at, updated_at
		FROM principal_namespace_grants
		WHERE principal_id = ?
		ORDER BY namespace_id
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("query namespace grants: %w", err)
	}
	defer rows.Close()

	var grants []NamespaceGrant
	for rows.Next() {
		var grant NamespaceGrant
		if err := rows.Scan(&grant.PrincipalID, &grant.NamespaceID, &grant.AllowBits, &grant.DenyBits, &grant.CreatedAt, &grant.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan namespace grant: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *SQLiteStore) GetPrincipalPrimaryNamespace(principalID string) (*Namespace, error) {
	principal, err := s.GetPrincipal(principalID)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, nil
	}
	return s.GetNamespace(principal.PrimaryNamespaceID)
}

func (s *SQLiteStore) CountNamespacePrincipals(namespaceID string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT principal_id FROM principal_namespace_grants WHERE namespace_id = ?
			UNION
			SELECT id FROM principals WHERE primary_namespace_id = ?
		)
	`, namespaceID, namespaceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count namespace principals: %w", err)
	}
	return count, nil
}

// ---- Repo grants ----

func (s *SQLiteStore) UpsertRepoGrant(grant *RepoGrant) error {
	_, err := s.db.Exec(`
		INSERT INTO principal_repo_grants (principal_id, repo_id, allow_bits, deny_bits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id, repo_id) DO UPDATE SET
			allow_bits = excluded.allow_bits,
			deny_bits = excluded.deny_bits,
			updated_at = excluded.updated_at
	`, grant.PrincipalID, grant.RepoID, grant.AllowBits, grant.DenyBits, grant.CreatedAt, grant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert repo grant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRepoGrant(principalID, repoID string) error {
	result, err := s.db.Exec(
		"DELETE FROM principal_repo_grants WHERE principal_id = ? AND repo_id = ?",
		principalID, repoID,
	)
	if err != nil {
		return fmt.Errorf("delete repo grant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) GetRepoGrant(principalID, repoID string) (*RepoGrant, error) {
	var grant RepoGrant
	err := s.db.QueryRow(`
		SELECT principal_id, repo_id, allow_bits, deny_bits, created_at, updated_at
		FROM principal_repo_grants
		WHERE principal_id = ? AND repo_id = ?
	`, principalID, repoID).Scan(
		&grant.PrincipalID,
		&grant.RepoID,
		&grant.AllowBits,
		&grant.DenyBits,
		&grant.CreatedAt,
		&grant.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo grant: %w", err)
	}
	return &grant, nil
}

func (s *SQLiteStore) ListPrincipalRepoGrants(principalID string) ([]RepoGrant, error) {
	rows, err := s.db.Query(`
		SELECT principal_id, repo_id, allow_bits, deny_bits, created_at, updated_at
		FROM principal_repo_grants
		WHERE principal_id = ?
		ORDER BY repo_id
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("query repo grants: %w", err)
	}
	defer rows.Close()

	var grants []RepoGrant
	for rows.Next() {
		var grant RepoGrant
		if err := rows.Scan(&grant.PrincipalID, &grant.RepoID, &grant.AllowBits, &grant.DenyBits, &grant.CreatedAt, &grant.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan repo grant: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *SQLiteStore) ListReposWithGrants(principalID, namespaceID string) ([]Repo, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.namespace_id, r.name, r.description, r.public,
			   r.size_bytes, r.last_push_at, r.created_at, r.updated_at
		FROM repos r
		JOIN principal_repo_grants g ON g.repo_id = r.id
		WHERE g.principal_id = ? AND r.namespace_id = ?
		ORDER BY r.name
	`, principalID, namespaceID)
	if err != nil {
		return nil, fmt.Errorf("query repos with grants: %w", err)
	}
	defer rows.Close()
	return s.scanRepoRows(rows)
}

func (s *SQLiteStore) HasRepoGrantsInNamespace(principalID, namespaceID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM principal_repo_grants g
		JOIN repos r ON r.id = g.repo_id
		WHERE g.principal_id = ? AND r.namespace_id = ?
	`, principalID, namespaceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check repo grants in namespace: %w", err)
	}
	return count > 0, nil
}

// ---- Repos ----

func (s *SQLiteStore) CreateRepo(repo *Repo) error {
	_, err := s.db.Exec(`
		INSERT INTO repos (id, namespace_id, name, description, public, size_bytes, last_push_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		repo.ID,
		repo.NamespaceID,
		repo.Name,
		ToNullString(repo.Description),
		repo.Public,
		repo.SizeBytes,
		ToNullTime(repo.LastPushAt),
		repo.CreatedAt,
		repo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert repo: %w", err)
	}
	return nil
}

const repoColumns = `id, namespace_id, name, description, public, size_bytes, last_push_at, created_at, updated_at`

func (s *SQLiteStore) GetRepo(namespaceID, name string) (*Repo, error) {
	row := s.db.QueryRow(`SELECT `+repoColumns+` FROM repos WHERE namespace_id = ? AND name = ?`, namespaceID, name)
	return s.scanRepo(row)
}

func (s *SQLiteStore) GetRepoByID(id string) (*Repo, error) {
	row := s.db.QueryRow(`SELECT `+repoColumns+` FROM repos WHERE id = ?`, id)
	return s.scanRepo(row)
}

func (s *SQLiteStore) scanRepo(row *sql.Row) (*Repo, error) {
	var repo Repo
	var description sql.NullString
	var lastPushAt sql.NullTime

	err := row.Scan(
		&repo.ID,
		&repo.NamespaceID,
		&repo.Name,
		&description,
		&repo.Public,
		&repo.SizeBytes,
		&lastPushAt,
		&repo.CreatedAt,
		&repo.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo: %w", err)
	}

	repo.Description = FromNullString(description)
	repo.LastPushAt = FromNullTime(lastPushAt)

	return &repo, nil
}

func (s *SQLiteStore) scanRepoRows(rows *sql.Rows) ([]Repo, error) {
	var repos []Repo
	for rows.Next() {
		var repo Repo
		var description sql.NullString
		var lastPushAt sql.NullTime

		if err := rows.Scan(
			&repo.ID,
			&repo.NamespaceID,
			&repo.Name,
			&description,
			&repo.Public,
			&repo.SizeBytes,
			&lastPushAt,
			&repo.CreatedAt,
			&repo.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}

		repo.Description = FromNullString(description)
		repo.LastPushAt = FromNullTime(lastPushAt)
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (s *SQLiteStore) ListRepos(namespaceID, cursor string, limit int) ([]Repo, error) {
	var rows *sql.Rows
	var err error

	if limit > 0 {
		rows, err = s.db.Query(`SELECT `+repoColumns+` FROM repos WHERE namespace_id = ? AND name > ? ORDER BY name LIMIT ?`, namespaceID, cursor, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+repoColumns+` FROM repos WHERE namespace_id = ? AND name > ? ORDER BY name`, namespaceID, cursor)
	}
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()
	return s.scanRepoRows(rows)
}

func (s *SQLiteStore) ListReposWithFolders(namespaceID, cursor string, limit int) ([]RepoWithFolders, error) {
	repos, err := s.ListRepos(namespaceID, cursor, limit)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return []RepoWithFolders{}, nil
	}

	repoIDs := make([]interface{}, len(repos))
	placeholders := make([]string, len(repos))
	for i, repo := range repos {
		repoIDs[i] = repo.ID
		placeholders[i] = "?"
	}

	query := fmt.Sprintf(`
		SELECT rf.repo_id, f.id, f.namespace_id, f.name, f.color, f.created_at
		FROM repo_folders rf
		JOIN folders f ON f.id = rf.folder_id
		WHERE rf.repo_id IN (%s)
		ORDER BY f.name
	`, strings.Join(placeholders, ","))

	rows, err := s.db.Query(query, repoIDs...)
	if err != nil {
		return nil, fmt.Errorf("query repo folders: %w", err)
	}
	defer rows.Close()

	folderMap := make(map[string][]Folder)
	for rows.Next() {
		var repoID string
		var folder Folder
		var color sql.NullString

		if err := rows.Scan(&repoID, &folder.ID, &folder.NamespaceID, &folder.Name, &color, &folder.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folder.Color = FromNullString(color)
		folderMap[repoID] = append(folderMap[repoID], folder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}

	result := make([]RepoWithFolders, len(repos))
	for i, repo := range repos {
		result[i] = RepoWithFolders{Repo: repo, Folders: folderMap[repo.ID]}
	}
	return result, nil
}

func (s *SQLiteStore) UpdateRepo(repo *Repo) error {
	result, err := s.db.Exec(`
		UPDATE repos SET name = ?, description = ?, public = ?, updated_at = ? WHERE id = ?
	`, repo.Name, ToNullString(repo.Description), repo.Public, time.Now(), repo.ID)
	if err != nil {
		return fmt.Errorf("update repo: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) DeleteRepo(id string) error {
	result, err := s.db.Exec("DELETE FROM repos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) UpdateRepoLastPush(id string, pushTime time.Time) error {
	_, err := s.db.Exec("UPDATE repos SET last_push_at = ?, updated_at = ? WHERE id = ?", pushTime, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update repo last_push_at: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRepoSize(id string, sizeBytes int) error {
	result, err := s.db.Exec("UPDATE repos SET size_bytes = ?, updated_at = ? WHERE id = ?", sizeBytes, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update repo size_bytes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- Folders ----

func (s *SQLiteStore) CreateFolder(folder *Folder) error {
	_, err := s.db.Exec(`
		INSERT INTO folders (id, namespace_id, name, color, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, folder.ID, folder.NamespaceID, folder.Name, ToNullString(folder.Color), folder.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFolderByID(id string) (*Folder, error) {
	row := s.db.QueryRow(`SELECT id, namespace_id, name, color, created_at FROM folders WHERE id = ?`, id)
	return s.scanFolder(row)
}

func (s *SQLiteStore) GetFolderByName(namespaceID, name string) (*Folder, error) {
	row := s.db.QueryRow(`SELECT id, namespace_id, name, color, created_at FROM folders WHERE namespace_id = ? AND name = ?`, namespaceID, name)
	return s.scanFolder(row)
}

func (s *SQLiteStore) scanFolder(row *sql.Row) (*Folder, error) {
	var folder Folder
	var color sql.NullString

	err := row.Scan(&folder.ID, &folder.NamespaceID, &folder.Name, &color, &folder.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan folder: %w", err)
	}

	folder.Color = FromNullString(color)
	return &folder, nil
}

func (s *SQLiteStore) ListFolders(namespaceID, cursor string, limit int) ([]Folder, error) {
	var rows *sql.Rows
	var err error

	if limit > 0 {
		rows, err = s.db.Query(`SELECT id, namespace_id, name, color, created_at FROM folders WHERE namespace_id = ? AND name > ? ORDER BY name LIMIT ?`, namespaceID, cursor, limit)
	} else {
		rows, err = s.db.Query(`SELECT id, namespace_id, name, color, created_at FROM folders WHERE namespace_id = ? AND name > ? ORDER BY name`, namespaceID, cursor)
	}
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var folder Folder
		var color sql.NullString
		if err := rows.Scan(&folder.ID, &folder.NamespaceID, &folder.Name, &color, &folder.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folder.Color = FromNullString(color)
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

func (s *SQLiteStore) UpdateFolder(folder *Folder) error {
	result, err := s.db.Exec(`UPDATE folders SET name = ?, color = ? WHERE id = ?`, folder.Name, ToNullString(folder.Color), folder.ID)
	if err != nil {
		return fmt.Errorf("update folder: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) DeleteFolder(id string) error {
	result, err := s.db.Exec("DELETE FROM folders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) CountFolderRepos(id string) (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM repo_folders WHERE folder_id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("count folder repos: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) AddRepoFolder(repoID, folderID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO repo_folders (repo_id, folder_id) VALUES (?, ?)`, repoID, folderID)
	if err != nil {
		return fmt.Errorf("add repo folder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveRepoFolder(repoID, folderID string) error {
	result, err := s.db.Exec("DELETE FROM repo_folders WHERE repo_id = ? AND folder_id = ?", repoID, folderID)
	if err != nil {
		return fmt.Errorf("remove repo folder: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) ListRepoFolders(repoID string) ([]Folder, error) {
	rows, err := s.db.Query(`
		SELECT f.id, f.namespace_id, f.name, f.color, f.created_at
		FROM folders f
		JOIN repo_folders rf ON f.id = rf.folder_id
		WHERE rf.repo_id = ?
		ORDER BY f.name
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("query repo folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var folder Folder
		var color sql.NullString
		if err := rows.Scan(&folder.ID, &folder.NamespaceID, &folder.Name, &color, &folder.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folder.Color = FromNullString(color)
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

func (s *SQLiteStore) ListFolderRepos(folderID string) ([]Repo, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.namespace_id, r.name, r.description, r.public,
			   r.size_bytes, r.last_push_at, r.created_at, r.updated_at
		FROM repos r
		JOIN repo_folders rf ON r.id = rf.repo_id
		WHERE rf.folder_id = ?
		ORDER BY r.name
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("query folder repos: %w", err)
	}
	defer rows.Close()
	return s.scanRepoRows(rows)
}

func (s *SQLiteStore) SetRepoFolders(repoID string, folderIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM repo_folders WHERE repo_id = ?", repoID); err != nil {
		return fmt.Errorf("delete existing repo folders: %w", err)
	}
	for _, folderID := range folderIDs {
		if _, err := tx.Exec("INSERT INTO repo_folders (repo_id, folder_id) VALUES (?, ?)", repoID, folderID); err != nil {
			return fmt.Errorf("insert repo folder: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddRepoFolders(repoID string, folderIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, folderID := range folderIDs {
		if _, err := tx.Exec("INSERT OR IGNORE INTO repo_folders (repo_id, folder_id) VALUES (?, ?)", repoID, folderID); err != nil {
			return fmt.Errorf("add repo folder: %w", err)
		}
	}
	return tx.Commit()
}

// ---- Tags ----

func (s *SQLiteStore) CreateTag(tag *Tag) error {
	_, err := s.db.Exec(`
		INSERT INTO tags (id, namespace_id, name, color, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, tag.ID, tag.NamespaceID, tag.Name, ToNullString(tag.Color), tag.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTagByID(id string) (*Tag, error) {
	row := s.db.QueryRow(`SELECT id, namespace_id, name, color, created_at FROM tags WHERE id = ?`, id)
	return s.scanTag(row)
}

func (s *SQLiteStore) GetTagByName(namespaceID, name string) (*Tag, error) {
	row := s.db.QueryRow(`SELECT id, namespace_id, name, color, created_at FROM tags WHERE namespace_id = ? AND name = ?`, namespaceID, name)
	return s.scanTag(row)
}

func (s *SQLiteStore) scanTag(row *sql.Row) (*Tag, error) {
	var tag Tag
	var color sql.NullString

	err := row.Scan(&tag.ID, &tag.NamespaceID, &tag.Name, &color, &tag.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tag: %w", err)
	}

	tag.Color = FromNullString(color)
	return &tag, nil
}

func (s *SQLiteStore) ListTags(namespaceID, cursor string, limit int) ([]Tag, error) {
	var rows *sql.Rows
	var err error

	if limit > 0 {
		rows, err = s.db.Query(`SELECT id, namespace_id, name, color, created_at FROM tags WHERE namespace_id = ? AND name > ? ORDER BY name LIMIT ?`, namespaceID, cursor, limit)
	} else {
		rows, err = s.db.Query(`SELECT id, namespace_id, name, color, created_at FROM tags WHERE namespace_id = ? AND name > ? ORDER BY name`, namespaceID, cursor)
	}
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		var color sql.NullString
		if err := rows.Scan(&tag.ID, &tag.NamespaceID, &tag.Name, &color, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tag.Color = FromNullString(color)
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) UpdateTag(tag *Tag) error {
	result, err := s.db.Exec(`UPDATE tags SET name = ?, color = ? WHERE id = ?`, tag.Name, ToNullString(tag.Color), tag.ID)
	if err != nil {
		return fmt.Errorf("update tag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) DeleteTag(id string) error {
	result, err := s.db.Exec("DELETE FROM tags WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) CountTagRepos(id string) (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM repo_tags WHERE tag_id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tag repos: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListRepoTags(repoID string) ([]Tag, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.namespace_id, t.name, t.color, t.created_at
		FROM tags t
		JOIN repo_tags rt ON t.id = rt.tag_id
		WHERE rt.repo_id = ?
		ORDER BY t.name
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("query repo tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		var color sql.NullString
		if err := rows.Scan(&tag.ID, &tag.NamespaceID, &tag.Name, &color, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tag.Color = FromNullString(color)
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// SetRepoTags atomically replaces the set of tags applied to a repo.
func (s *SQLiteStore) SetRepoTags(repoID string, tagIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM repo_tags WHERE repo_id = ?", repoID); err != nil {
		return fmt.Errorf("delete existing repo tags: %w", err)
	}
	for _, tagID := range tagIDs {
		if _, err := tx.Exec("INSERT INTO repo_tags (repo_id, tag_id) VALUES (?, ?)", repoID, tagID); err != nil {
			return fmt.Errorf("insert repo tag: %w", err)
		}
	}
	return tx.Commit()
}

// ---- Namespaces ----

func (s *SQLiteStore) GetNamespace(id string) (*Namespace, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at, repo_limit, storage_limit_bytes, external_id FROM namespaces WHERE id = ?`, id)
	return s.scanNamespace(row)
}

func (s *SQLiteStore) GetNamespaceByName(name string) (*Namespace, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at, repo_limit, storage_limit_bytes, external_id FROM namespaces WHERE name = ?`, name)
	return s.scanNamespace(row)
}

func (s *SQLiteStore) scanNamespace(row *sql.Row) (*Namespace, error) {
	var ns Namespace
	var repoLimit, storageLimit sql.NullInt64
	var externalID sql.NullString

	err := row.Scan(&ns.ID, &ns.Name, &ns.CreatedAt, &repoLimit, &storageLimit, &externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan namespace: %w", err)
	}

	ns.RepoLimit = FromNullInt64(repoLimit)
	ns.StorageLimitBytes = FromNullInt64(storageLimit)
	ns.ExternalID = FromNullString(externalID)

	return &ns, nil
}

func (s *SQLiteStore) CreateNamespace(ns *Namespace) error {
	_, err := s.db.Exec(`
		INSERT INTO namespaces (id, name, created_at, repo_limit, storage_limit_bytes, external_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ns.ID, ns.Name, ns.CreatedAt, ToNullInt64(ns.RepoLimit), ToNullInt64(ns.StorageLimitBytes), ToNullString(ns.ExternalID))
	if err != nil {
		return fmt.Errorf("insert namespace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNamespaces(cursor string, limit int) ([]Namespace, error) {
	rows, err := s.db.Query(`
		SELECT id, name, created_at, repo_limit, storage_limit_bytes, external_id
		FROM namespaces
		WHERE id > ?
		ORDER BY id
		LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []Namespace
	for rows.Next() {
		var ns Namespace
		var repoLimit, storageLimit sql.NullInt64
		var externalID sql.NullString
		if err := rows.Scan(&ns.ID, &ns.Name, &ns.CreatedAt, &repoLimit, &storageLimit, &externalID); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		ns.RepoLimit = FromNullInt64(repoLimit)
		ns.StorageLimitBytes = FromNullInt64(storageLimit)
		ns.ExternalID = FromNullString(externalID)
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

func (s *SQLiteStore) UpdateNamespace(ns *Namespace) error {
	result, err := s.db.Exec(`
		UPDATE namespaces SET name = ?, repo_limit = ?, storage_limit_bytes = ? WHERE id = ?
	`, ns.Name, ToNullInt64(ns.RepoLimit), ToNullInt64(ns.StorageLimitBytes), ns.ID)
	if err != nil {
		return fmt.Errorf("update namespace: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteNamespace deletes a namespace. Related principals, tokens, repos,
// folders, and tags are automatically deleted via ON DELETE CASCADE.
func (s *SQLiteStore) DeleteNamespace(id string) error {
	result, err := s.db.Exec("DELETE FROM namespaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- LFS objects ----

func (s *SQLiteStore) CreateLFSObject(obj *LFSObject) error {
	_, err := s.db.Exec(`
		INSERT INTO lfs_objects (repo_id, oid, size, created_at)
		VALUES (?, ?, ?, ?)
	`, obj.RepoID, obj.OID, obj.Size, obj.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lfs object: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLFSObject(repoID, oid string) (*LFSObject, error) {
	var obj LFSObject
	err := s.db.QueryRow(`
		SELECT repo_id, oid, size, created_at FROM lfs_objects WHERE repo_id = ? AND oid = ?
	`, repoID, oid).Scan(&obj.RepoID, &obj.OID, &obj.Size, &obj.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lfs object: %w", err)
	}
	return &obj, nil
}

func (s *SQLiteStore) ListLFSObjects(repoID string) ([]LFSObject, error) {
	rows, err := s.db.Query(`SELECT repo_id, oid, size, created_at FROM lfs_objects WHERE repo_id = ? ORDER BY created_at`, repoID)
	if err != nil {
		return nil, fmt.Errorf("query lfs objects: %w", err)
	}
	defer rows.Close()

	var objects []LFSObject
	for rows.Next() {
		var obj LFSObject
		if err := rows.Scan(&obj.RepoID, &obj.OID, &obj.Size, &obj.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lfs object: %w", err)
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

func (s *SQLiteStore) DeleteLFSObject(repoID, oid string) error {
	result, err := s.db.Exec("DELETE FROM lfs_objects WHERE repo_id = ? AND oid = ?", repoID, oid)
	if err != nil {
		return fmt.Errorf("delete lfs object: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) GetRepoLFSSize(repoID string) (int64, error) {
	var size sql.NullInt64
	err := s.db.QueryRow("SELECT SUM(size) FROM lfs_objects WHERE repo_id = ?", repoID).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("sum lfs size: %w", err)
	}
	if !size.Valid {
		return 0, nil
	}
	return size.Int64, nil
}
