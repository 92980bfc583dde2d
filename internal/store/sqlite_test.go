/*
Package store tests.

These tests serve as lightweight smoke tests and living documentation of expected
store behavior. They verify happy paths, basic error cases, and cascade/constraint
behavior using an in-memory SQLite database.

This file is intentionally minimal. Comprehensive behavioral testing happens at
the API integration layer. Only add tests here when:
  - Documenting non-obvious store behavior that the API doesn't expose
  - Catching a regression that slipped through API tests
  - Testing complex queries that warrant isolated verification

Do not expand this into exhaustive unit test coverage.
*/
package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err, "create store")
	require.NoError(t, s.Initialize(), "initialize store")
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestNamespace(t *testing.T, s *SQLiteStore, id string) *Namespace {
	t.Helper()
	ns := &Namespace{ID: id, Name: "ns-" + id, CreatedAt: time.Now()}
	require.NoError(t, s.CreateNamespace(ns))
	return ns
}

func createTestPrincipal(t *testing.T, s *SQLiteStore, id, primaryNamespaceID string) *Principal {
	t.Helper()
	p := &Principal{
		ID:                 id,
		PrimaryNamespaceID: primaryNamespaceID,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	require.NoError(t, s.CreatePrincipal(p))
	return p
}

func createTestRepo(t *testing.T, s *SQLiteStore, nsID, name string) *Repo {
	t.Helper()
	repo := &Repo{
		ID:          "repo-" + name,
		NamespaceID: nsID,
		Name:        name,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateRepo(repo))
	return repo
}

func createTestFolder(t *testing.T, s *SQLiteStore, nsID, name string, color *string) *Folder {
	t.Helper()
	folder := &Folder{
		ID:          "folder-" + name,
		NamespaceID: nsID,
		Name:        name,
		Color:       color,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateFolder(folder))
	return folder
}

func createTestTag(t *testing.T, s *SQLiteStore, nsID, name string, color *string) *Tag {
	t.Helper()
	tag := &Tag{
		ID:          "tag-" + name,
		NamespaceID: nsID,
		Name:        name,
		Color:       color,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateTag(tag))
	return tag
}

func createTestToken(t *testing.T, s *SQLiteStore, id, lookup, hash string, isAdmin bool) *Token {
	t.Helper()
	token := &Token{
		ID:          id,
		TokenHash:   hash,
		TokenLookup: lookup,
		IsAdmin:     isAdmin,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateToken(token))
	return token
}

func repoNames(repos []Repo) []string {
	names := make([]string, len(repos))
	for i, r := range repos {
		names[i] = r.Name
	}
	return names
}

func TestStore_NamespaceLifecycle(t *testing.T) {
	s := newTestStore(t)

	var ns *Namespace

	t.Run("create", func(t *testing.T) {
		ns = &Namespace{ID: "ns-1", Name: "test-ns", CreatedAt: time.Now()}
		require.NoError(t, s.CreateNamespace(ns))
	})

	t.Run("get by ID", func(t *testing.T) {
		got, err := s.GetNamespace("ns-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "test-ns", got.Name)
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := s.GetNamespaceByName("test-ns")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "ns-1", got.ID)
	})

	t.Run("list", func(t *testing.T) {
		namespaces, err := s.ListNamespaces("", 10)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(namespaces), 1)
	})

	t.Run("delete cascades to repos and grants", func(t *testing.T) {
		repo := createTestRepo(t, s, ns.ID, "cascade-test")
		folder := createTestFolder(t, s, ns.ID, "cascade-folder", nil)
		s.AddRepoFolder(repo.ID, folder.ID)

		otherNs := createTestNamespace(t, s, "ns-cascade-other")
		principal := createTestPrincipal(t, s, "principal-cascade", otherNs.ID)
		require.NoError(t, s.UpsertNamespaceGrant(&NamespaceGrant{
			PrincipalID: principal.ID,
			NamespaceID: ns.ID,
			AllowBits:   DefaultNamespaceGrant(),
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}))

		grant, err := s.GetNamespaceGrant(principal.ID, ns.ID)
		require.NoError(t, err)
		require.NotNil(t, grant)

		require.NoError(t, s.DeleteNamespace("ns-1"))

		got, _ := s.GetNamespace("ns-1")
		assert.Nil(t, got, "namespace should be deleted")

		r, _ := s.GetRepoByID(repo.ID)
		assert.Nil(t, r, "repo should be cascade deleted")

		g, _ := s.GetNamespaceGrant(principal.ID, ns.ID)
		assert.Nil(t, g, "grant should be cascade deleted")
	})
}

func TestStore_PrincipalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")

	var principal *Principal

	t.Run("create", func(t *testing.T) {
		principal = createTestPrincipal(t, s, "principal-1", ns.ID)
	})

	t.Run("get by ID", func(t *testing.T) {
		got, err := s.GetPrincipal("principal-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ns.ID, got.PrimaryNamespaceID)
	})

	t.Run("get by primary namespace", func(t *testing.T) {
		got, err := s.GetPrincipalByPrimaryNamespace(ns.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, principal.ID, got.ID)
	})

	t.Run("list", func(t *testing.T) {
		principals, err := s.ListPrincipals("", 10)
		require.NoError(t, err)
		assert.Len(t, principals, 1)
	})

	t.Run("primary namespace is unique", func(t *testing.T) {
		dup := &Principal{ID: "principal-dup", PrimaryNamespaceID: ns.ID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		assert.Error(t, s.CreatePrincipal(dup))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeletePrincipal("principal-1"))

		got, _ := s.GetPrincipal("principal-1")
		assert.Nil(t, got)
	})
}

func TestStore_RepoLifecycle(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")

	var repo *Repo

	t.Run("create", func(t *testing.T) {
		repo = &Repo{
			ID:          "repo-1",
			NamespaceID: ns.ID,
			Name:        "my-repo",
			Public:      false,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		require.NoError(t, s.CreateRepo(repo))
	})

	t.Run("get by ID", func(t *testing.T) {
		got, err := s.GetRepoByID("repo-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "my-repo", got.Name)
	})

	t.Run("get by namespace and name", func(t *testing.T) {
		got, err := s.GetRepo(ns.ID, "my-repo")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "repo-1", got.ID)
	})

	t.Run("update", func(t *testing.T) {
		repo.Name = "renamed"
		repo.Public = true
		require.NoError(t, s.UpdateRepo(repo))

		got, _ := s.GetRepoByID("repo-1")
		assert.Equal(t, "renamed", got.Name)
		assert.True(t, got.Public)
	})

	t.Run("update last push", func(t *testing.T) {
		pushTime := time.Now()
		require.NoError(t, s.UpdateRepoLastPush("repo-1", pushTime))

		got, _ := s.GetRepoByID("repo-1")
		require.NotNil(t, got.LastPushAt)
		assert.WithinDuration(t, pushTime, *got.LastPushAt, time.Second)
	})

	t.Run("update size", func(t *testing.T) {
		require.NoError(t, s.UpdateRepoSize("repo-1", 2048))

		got, _ := s.GetRepoByID("repo-1")
		assert.Equal(t, 2048, got.SizeBytes)
	})

	t.Run("list", func(t *testing.T) {
		repos, err := s.ListRepos(ns.ID, "", 10)
		require.NoError(t, err)
		assert.Len(t, repos, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteRepo("repo-1"))

		got, err := s.GetRepoByID("repo-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_FolderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")

	var folder *Folder

	t.Run("create folder with color", func(t *testing.T) {
		color := "#ff0000"
		folder = createTestFolder(t, s, ns.ID, "projects", &color)
	})

	t.Run("get by ID", func(t *testing.T) {
		got, err := s.GetFolderByID(folder.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "projects", got.Name)
		require.NotNil(t, got.Color)
		assert.Equal(t, "#ff0000", *got.Color)
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := s.GetFolderByName(ns.ID, "projects")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, folder.ID, got.ID)
	})

	t.Run("count repos", func(t *testing.T) {
		repo := createTestRepo(t, s, ns.ID, "in-folder")
		s.AddRepoFolder(repo.ID, folder.ID)

		count, err := s.CountFolderRepos(folder.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("update", func(t *testing.T) {
		folder.Name = "renamed"
		newColor := "#00ff00"
		folder.Color = &newColor
		require.NoError(t, s.UpdateFolder(folder))

		got, _ := s.GetFolderByID(folder.ID)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, "#00ff00", *got.Color)
	})

	t.Run("list", func(t *testing.T) {
		createTestFolder(t, s, ns.ID, "another", nil)
		folders, err := s.ListFolders(ns.ID, "", 10)
		require.NoError(t, err)
		assert.Len(t, folders, 2)
	})

	t.Run("delete", func(t *testing.T) {
		other, _ := s.GetFolderByName(ns.ID, "another")
		require.NoError(t, s.DeleteFolder(other.ID))

		got, _ := s.GetFolderByID(other.ID)
		assert.Nil(t, got)
	})
}

func TestStore_TagLifecycle(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")

	var tag *Tag

	t.Run("create tag with color", func(t *testing.T) {
		color := "#0000ff"
		tag = createTestTag(t, s, ns.ID, "backend", &color)
	})

	t.Run("get by ID", func(t *testing.T) {
		got, err := s.GetTagByID(tag.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "backend", got.Name)
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := s.GetTagByName(ns.ID, "backend")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, tag.ID, got.ID)
	})

	t.Run("count repos starts at zero", func(t *testing.T) {
		count, err := s.CountTagRepos(tag.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("update", func(t *testing.T) {
		tag.Name = "renamed"
		require.NoError(t, s.UpdateTag(tag))

		got, _ := s.GetTagByID(tag.ID)
		assert.Equal(t, "renamed", got.Name)
	})

	t.Run("list", func(t *testing.T) {
		createTestTag(t, s, ns.ID, "frontend", nil)
		tags, err := s.ListTags(ns.ID, "", 10)
		require.NoError(t, err)
		assert.Len(t, tags, 2)
	})

	t.Run("delete", func(t *testing.T) {
		other, _ := s.GetTagByName(ns.ID, "frontend")
		require.NoError(t, s.DeleteTag(other.ID))

		got, _ := s.GetTagByID(other.ID)
		assert.Nil(t, got)
	})
}

func TestStore_RepoFolderM2M(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")
	repo := createTestRepo(t, s, ns.ID, "my-repo")
	folder1 := createTestFolder(t, s, ns.ID, "folder1", nil)
	folder2 := createTestFolder(t, s, ns.ID, "folder2", nil)

	t.Run("add folder to repo", func(t *testing.T) {
		require.NoError(t, s.AddRepoFolder(repo.ID, folder1.ID))

		folders, err := s.ListRepoFolders(repo.ID)
		require.NoError(t, err)
		assert.Len(t, folders, 1)
		assert.Equal(t, "folder1", folders[0].Name)
	})

	t.Run("add same folder twice is idempotent", func(t *testing.T) {
		require.NoError(t, s.AddRepoFolder(repo.ID, folder1.ID))

		folders, _ := s.ListRepoFolders(repo.ID)
		assert.Len(t, folders, 1)
	})

	t.Run("list repos in folder", func(t *testing.T) {
		repos, err := s.ListFolderRepos(folder1.ID)
		require.NoError(t, err)
		assert.Len(t, repos, 1)
		assert.Equal(t, repo.ID, repos[0].ID)
	})

	t.Run("repo can belong to multiple folders", func(t *testing.T) {
		require.NoError(t, s.AddRepoFolders(repo.ID, []string{folder2.ID}))

		folders, err := s.ListRepoFolders(repo.ID)
		require.NoError(t, err)
		assert.Len(t, folders, 2)
	})

	t.Run("set repo folders replaces all", func(t *testing.T) {
		require.NoError(t, s.SetRepoFolders(repo.ID, []string{folder2.ID}))

		folders, err := s.ListRepoFolders(repo.ID)
		require.NoError(t, err)
		assert.Len(t, folders, 1)
		assert.Equal(t, "folder2", folders[0].Name)
	})

	t.Run("remove folder from repo", func(t *testing.T) {
		require.NoError(t, s.RemoveRepoFolder(repo.ID, folder2.ID))

		folders, _ := s.ListRepoFolders(repo.ID)
		assert.Len(t, folders, 0)
	})

	t.Run("remove non-existent folder returns error", func(t *testing.T) {
		err := s.RemoveRepoFolder(repo.ID, folder1.ID)
		assert.Error(t, err)
	})

	t.Run("list folders for repo with none", func(t *testing.T) {
		repo2 := createTestRepo(t, s, ns.ID, "no-folders")
		folders, err := s.ListRepoFolders(repo2.ID)
		require.NoError(t, err)
		assert.Len(t, folders, 0)
	})
}

func TestStore_RepoTagM2M(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")
	repo := createTestRepo(t, s, ns.ID, "my-repo")
	tag1 := createTestTag(t, s, ns.ID, "tag1", nil)
	tag2 := createTestTag(t, s, ns.ID, "tag2", nil)

	t.Run("set repo tags", func(t *testing.T) {
		require.NoError(t, s.SetRepoTags(repo.ID, []string{tag1.ID, tag2.ID}))

		tags, err := s.ListRepoTags(repo.ID)
		require.NoError(t, err)
		assert.Len(t, tags, 2)
	})

	t.Run("count tag repos reflects assignment", func(t *testing.T) {
		count, err := s.CountTagRepos(tag1.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("set repo tags replaces all", func(t *testing.T) {
		require.NoError(t, s.SetRepoTags(repo.ID, []string{tag1.ID}))

		tags, err := s.ListRepoTags(repo.ID)
		require.NoError(t, err)
		assert.Len(t, tags, 1)
		assert.Equal(t, tag1.ID, tags[0].ID)

		count, err := s.CountTagRepos(tag2.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestStore_TokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")
	principal := createTestPrincipal(t, s, "principal-1", ns.ID)

	var token *Token
	principalID := principal.ID

	t.Run("create principal token", func(t *testing.T) {
		token = &Token{
			ID:          "token-1",
			TokenHash:   "hash123",
			TokenLookup: "lookup01",
			IsAdmin:     false,
			PrincipalID: &principalID,
			CreatedAt:   time.Now(),
		}
		require.NoError(t, s.CreateToken(token))
	})

	t.Run("get by lookup", func(t *testing.T) {
		got, err := s.GetTokenByLookup("lookup01")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "token-1", got.ID)
	})

	t.Run("get by ID", func(t *testing.T) {
		got, err := s.GetTokenByID("token-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.IsAdmin)
		require.NotNil(t, got.PrincipalID)
		assert.Equal(t, principal.ID, *got.PrincipalID)
	})

	t.Run("list", func(t *testing.T) {
		tokens, err := s.ListTokens("", 10)
		require.NoError(t, err)
		assert.Len(t, tokens, 1)
	})

	t.Run("list principal tokens", func(t *testing.T) {
		tokens, err := s.ListPrincipalTokens(principal.ID)
		require.NoError(t, err)
		assert.Len(t, tokens, 1)
	})

	t.Run("lookup is unique", func(t *testing.T) {
		dup := &Token{ID: "token-dup", TokenHash: "h", TokenLookup: "lookup01", CreatedAt: time.Now()}
		err := s.CreateToken(dup)
		assert.ErrorIs(t, err, ErrTokenLookupCollision)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteToken("token-1"))

		got, _ := s.GetTokenByID("token-1")
		assert.Nil(t, got)
	})
}

func TestStore_GenerateAdminToken(t *testing.T) {
	s := newTestStore(t)

	t.Run("no admin token initially", func(t *testing.T) {
		has, err := s.HasAdminToken()
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("creates admin token", func(t *testing.T) {
		rawToken, err := s.GenerateAdminToken()
		require.NoError(t, err)
		assert.NotEmpty(t, rawToken)

		tokens, err := s.ListTokens("", 10)
		require.NoError(t, err)
		assert.Len(t, tokens, 1)
		assert.True(t, tokens[0].IsAdmin)
		assert.Nil(t, tokens[0].PrincipalID)
	})

	t.Run("second call returns empty string", func(t *testing.T) {
		token, err := s.GenerateAdminToken()
		require.NoError(t, err)
		assert.Empty(t, token)

		has, err := s.HasAdminToken()
		require.NoError(t, err)
		assert.True(t, has)
	})
}

func TestStore_GenerateUserTokenWithGrants(t *testing.T) {
	s := newTestStore(t)
	userNs := createTestNamespace(t, s, "ns-user")
	principal := createTestPrincipal(t, s, "principal-1", userNs.ID)
	otherNs := createTestNamespace(t, s, "ns-other")

	t.Run("creates token with namespace grant", func(t *testing.T) {
		name := "ci token"
		rawToken, token, err := s.GenerateUserTokenWithGrants(principal.ID, &name, nil, []NamespaceGrant{
			{NamespaceID: otherNs.ID, AllowBits: PermNamespaceRead},
		}, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, rawToken)
		assert.False(t, token.IsAdmin)
		require.NotNil(t, token.PrincipalID)
		assert.Equal(t, principal.ID, *token.PrincipalID)

		grant, err := s.GetNamespaceGrant(principal.ID, otherNs.ID)
		require.NoError(t, err)
		require.NotNil(t, grant)
		assert.True(t, grant.AllowBits.Has(PermNamespaceRead))
	})

	t.Run("rejects grant on own primary namespace", func(t *testing.T) {
		_, _, err := s.GenerateUserTokenWithGrants(principal.ID, nil, nil, []NamespaceGrant{
			{NamespaceID: userNs.ID, AllowBits: PermNamespaceAdmin},
		}, nil)
		assert.ErrorIs(t, err, ErrPrimaryNamespaceGrant)
	})
}

func TestStore_Pagination(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")

	for _, name := range []string{"alpha", "bravo", "charlie", "delta", "echo"} {
		createTestRepo(t, s, ns.ID, name)
	}

	t.Run("first page", func(t *testing.T) {
		repos, err := s.ListRepos(ns.ID, "", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "bravo"}, repoNames(repos))
	})

	t.Run("second page", func(t *testing.T) {
		repos, err := s.ListRepos(ns.ID, "bravo", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"charlie", "delta"}, repoNames(repos))
	})

	t.Run("last page", func(t *testing.T) {
		repos, err := s.ListRepos(ns.ID, "delta", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"echo"}, repoNames(repos))
	})

	t.Run("past end", func(t *testing.T) {
		repos, err := s.ListRepos(ns.ID, "echo", 2)
		require.NoError(t, err)
		assert.Len(t, repos, 0)
	})

	t.Run("unlimited", func(t *testing.T) {
		repos, err := s.ListRepos(ns.ID, "", 0)
		require.NoError(t, err)
		assert.Len(t, repos, 5)
	})
}

func TestStore_DuplicateNames(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")

	createTestRepo(t, s, ns.ID, "dupe")

	t.Run("same namespace rejects duplicate", func(t *testing.T) {
		repo := &Repo{
			ID:          "repo-dupe-2",
			NamespaceID: ns.ID,
			Name:        "dupe",
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		err := s.CreateRepo(repo)
		assert.Error(t, err)
	})

	t.Run("different namespace allows same name", func(t *testing.T) {
		ns2 := createTestNamespace(t, s, "ns-2")
		repo := &Repo{
			ID:          "repo-dupe-other",
			NamespaceID: ns2.ID,
			Name:        "dupe",
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		require.NoError(t, s.CreateRepo(repo))
	})
}

func TestStore_NotFound(t *testing.T) {
	s := newTestStore(t)

	t.Run("get returns nil", func(t *testing.T) {
		ns, err := s.GetNamespace("nope")
		require.NoError(t, err)
		assert.Nil(t, ns)

		repo, err := s.GetRepoByID("nope")
		require.NoError(t, err)
		assert.Nil(t, repo)

		folder, err := s.GetFolderByID("nope")
		require.NoError(t, err)
		assert.Nil(t, folder)

		tag, err := s.GetTagByID("nope")
		require.NoError(t, err)
		assert.Nil(t, tag)

		token, err := s.GetTokenByID("nope")
		require.NoError(t, err)
		assert.Nil(t, token)

		principal, err := s.GetPrincipal("nope")
		require.NoError(t, err)
		assert.Nil(t, principal)
	})

	t.Run("delete returns error", func(t *testing.T) {
		assert.Error(t, s.DeleteRepo("nope"))
		assert.Error(t, s.DeleteFolder("nope"))
		assert.Error(t, s.DeleteTag("nope"))
		assert.Error(t, s.DeleteToken("nope"))
		assert.Error(t, s.DeletePrincipal("nope"))
	})

	t.Run("update returns error", func(t *testing.T) {
		assert.Error(t, s.UpdateRepo(&Repo{ID: "nope"}))
		assert.Error(t, s.UpdateFolder(&Folder{ID: "nope"}))
		assert.Error(t, s.UpdateTag(&Tag{ID: "nope"}))
	})
}

func TestStore_OptionalFields(t *testing.T) {
	s := newTestStore(t)

	t.Run("namespace with limits", func(t *testing.T) {
		repoLimit := 100
		storageLimit := 1000000
		ns := &Namespace{
			ID:                "ns-limits",
			Name:              "limited",
			CreatedAt:         time.Now(),
			RepoLimit:         &repoLimit,
			StorageLimitBytes: &storageLimit,
		}
		require.NoError(t, s.CreateNamespace(ns))

		got, _ := s.GetNamespace("ns-limits")
		require.NotNil(t, got.RepoLimit)
		require.NotNil(t, got.StorageLimitBytes)
		assert.Equal(t, 100, *got.RepoLimit)
		assert.Equal(t, 1000000, *got.StorageLimitBytes)
	})

	t.Run("token with expiry", func(t *testing.T) {
		expiry := time.Now().Add(24 * time.Hour)
		token := &Token{
			ID:          "token-expiry",
			TokenHash:   "hash-expiry",
			TokenLookup: "token-ex",
			IsAdmin:     true,
			ExpiresAt:   &expiry,
			CreatedAt:   time.Now(),
		}
		require.NoError(t, s.CreateToken(token))

		got, _ := s.GetTokenByID("token-expiry")
		require.NotNil(t, got.ExpiresAt)
	})

	t.Run("folder without color", func(t *testing.T) {
		ns := createTestNamespace(t, s, "ns-folder")
		folder := &Folder{
			ID:          "folder-no-color",
			NamespaceID: ns.ID,
			Name:        "plain",
			CreatedAt:   time.Now(),
		}
		require.NoError(t, s.CreateFolder(folder))

		got, _ := s.GetFolderByID("folder-no-color")
		assert.Nil(t, got.Color)
	})
}

func TestStore_LFSObjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-1")
	repo := createTestRepo(t, s, ns.ID, "lfs-repo")

	oid := "a" + (func() string {
		out := make([]byte, 63)
		for i := range out {
			out[i] = 'b'
		}
		return string(out)
	})()

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, s.CreateLFSObject(&LFSObject{RepoID: repo.ID, OID: oid, Size: 1024, CreatedAt: time.Now()}))

		got, err := s.GetLFSObject(repo.ID, oid)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(1024), got.Size)
	})

	t.Run("missing object returns nil", func(t *testing.T) {
		got, err := s.GetLFSObject(repo.ID, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("list and sum size", func(t *testing.T) {
		objs, err := s.ListLFSObjects(repo.ID)
		require.NoError(t, err)
		assert.Len(t, objs, 1)

		size, err := s.GetRepoLFSSize(repo.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1024), size)
	})

	t.Run("sum with no objects is zero", func(t *testing.T) {
		other := createTestRepo(t, s, ns.ID, "no-lfs")
		size, err := s.GetRepoLFSSize(other.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), size)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteLFSObject(repo.ID, oid))

		got, _ := s.GetLFSObject(repo.ID, oid)
		assert.Nil(t, got)
	})
}

func TestPermission_BitOperations(t *testing.T) {
	t.Run("Has checks single permission", func(t *testing.T) {
		p := PermRepoRead | PermRepoWrite
		assert.True(t, p.Has(PermRepoRead))
		assert.True(t, p.Has(PermRepoWrite))
		assert.False(t, p.Has(PermRepoAdmin))
	})

	t.Run("Has checks combined permissions", func(t *testing.T) {
		p := PermRepoRead | PermRepoWrite | PermRepoAdmin
		assert.True(t, p.Has(PermRepoRead|PermRepoWrite))
		assert.False(t, (PermRepoRead | PermRepoWrite).Has(PermRepoAdmin))
	})

	t.Run("ToStrings returns permission names", func(t *testing.T) {
		p := PermRepoRead | PermNamespaceWrite
		strs := p.ToStrings()
		assert.Contains(t, strs, "repo:read")
		assert.Contains(t, strs, "namespace:write")
		assert.Len(t, strs, 2)
	})

	t.Run("ParsePermissions converts strings to bits", func(t *testing.T) {
		p, err := ParsePermissions([]string{"repo:read", "namespace:admin"})
		require.NoError(t, err)
		assert.True(t, p.Has(PermRepoRead))
		assert.True(t, p.Has(PermNamespaceAdmin))
		assert.False(t, p.Has(PermRepoWrite))
	})

	t.Run("ParsePermissions rejects invalid", func(t *testing.T) {
		_, err := ParsePermissions([]string{"invalid:perm"})
		assert.Error(t, err)
	})
}

func TestPermission_ExpandImplied(t *testing.T) {
	t.Run("repo:admin implies repo:write and repo:read", func(t *testing.T) {
		p := ExpandImplied(PermRepoAdmin)
		assert.True(t, p.Has(PermRepoAdmin))
		assert.True(t, p.Has(PermRepoWrite))
		assert.True(t, p.Has(PermRepoRead))
	})

	t.Run("repo:write implies repo:read", func(t *testing.T) {
		p := ExpandImplied(PermRepoWrite)
		assert.True(t, p.Has(PermRepoWrite))
		assert.True(t, p.Has(PermRepoRead))
		assert.False(t, p.Has(PermRepoAdmin))
	})

	t.Run("namespace:admin implies namespace:write and namespace:read", func(t *testing.T) {
		p := ExpandImplied(PermNamespaceAdmin)
		assert.True(t, p.Has(PermNamespaceAdmin))
		assert.True(t, p.Has(PermNamespaceWrite))
		assert.True(t, p.Has(PermNamespaceRead))
	})

	t.Run("repo perms don't imply namespace perms", func(t *testing.T) {
		p := ExpandImplied(PermRepoAdmin)
		assert.False(t, p.Has(PermNamespaceRead))
	})
}

func TestPermissionChecker_PrimaryNamespace(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-primary")
	principal := createTestPrincipal(t, s, "principal-primary", ns.ID)
	repo := createTestRepo(t, s, ns.ID, "owned-repo")
	checker := NewPermissionChecker(s)

	t.Run("full control over own namespace without any grant row", func(t *testing.T) {
		has, err := checker.CheckNamespacePermission(principal.ID, ns.ID, PermNamespaceAdmin)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("full control over repos in own namespace", func(t *testing.T) {
		has, err := checker.CheckRepoPermission(principal.ID, repo, PermRepoAdmin)
		require.NoError(t, err)
		assert.True(t, has)
	})
}

func TestPermissionChecker_DenyBehavior(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-deny")
	userNs := createTestNamespace(t, s, "ns-deny-user")
	principal := createTestPrincipal(t, s, "principal-deny", userNs.ID)

	t.Run("deny blocks specific permission without expanding", func(t *testing.T) {
		require.NoError(t, s.UpsertNamespaceGrant(&NamespaceGrant{
			PrincipalID: principal.ID,
			NamespaceID: ns.ID,
			AllowBits:   PermNamespaceAdmin,
			DenyBits:    PermNamespaceAdmin,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}))

		checker := NewPermissionChecker(s)

		has, err := checker.CheckNamespacePermission(principal.ID, ns.ID, PermNamespaceAdmin)
		require.NoError(t, err)
		assert.False(t, has, "namespace:admin should be denied")

		has, err = checker.CheckNamespacePermission(principal.ID, ns.ID, PermNamespaceWrite)
		require.NoError(t, err)
		assert.True(t, has, "namespace:write should be allowed since deny doesn't expand")

		has, err = checker.CheckNamespacePermission(principal.ID, ns.ID, PermNamespaceRead)
		require.NoError(t, err)
		assert.True(t, has, "namespace:read should be allowed")
	})
}

func TestPermissionChecker_RepoOnlyListing(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-repo-only")
	repo1 := createTestRepo(t, s, ns.ID, "repo1")
	repo2 := createTestRepo(t, s, ns.ID, "repo2")
	createTestRepo(t, s, ns.ID, "repo3") // no grant

	userNs := createTestNamespace(t, s, "ns-user-primary")
	principal := createTestPrincipal(t, s, "principal-repo-only", userNs.ID)

	t.Run("repo grants without namespace grant", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, s.UpsertRepoGrant(&RepoGrant{
			PrincipalID: principal.ID,
			RepoID:      repo1.ID,
			AllowBits:   PermRepoRead,
			CreatedAt:   now,
			UpdatedAt:   now,
		}))
		require.NoError(t, s.UpsertRepoGrant(&RepoGrant{
			PrincipalID: principal.ID,
			RepoID:      repo2.ID,
			AllowBits:   PermRepoRead | PermRepoWrite,
			CreatedAt:   now,
			UpdatedAt:   now,
		}))

		checker := NewPermissionChecker(s)

		hasGrants, err := checker.HasAnyRepoGrants(principal.ID, ns.ID)
		require.NoError(t, err)
		assert.True(t, hasGrants)

		has, err := checker.CheckNamespacePermission(principal.ID, ns.ID, PermNamespaceRead)
		require.NoError(t, err)
		assert.False(t, has, "should not have namespace:read without grant")

		has, err = checker.CheckRepoPermission(principal.ID, repo1, PermRepoRead)
		require.NoError(t, err)
		assert.True(t, has, "should have repo:read on repo1")

		has, err = checker.CheckRepoPermission(principal.ID, repo2, PermRepoWrite)
		require.NoError(t, err)
		assert.True(t, has, "should have repo:write on repo2")

		canAccess, err := checker.CanAccessNamespace(principal.ID, ns.ID)
		require.NoError(t, err)
		assert.True(t, canAccess, "repo grants alone grant namespace access")

		repos, err := s.ListReposWithGrants(principal.ID, ns.ID)
		require.NoError(t, err)
		assert.Len(t, repos, 2)

		names := repoNames(repos)
		assert.Contains(t, names, "repo1")
		assert.Contains(t, names, "repo2")
		assert.NotContains(t, names, "repo3")
	})
}

func TestPermissionChecker_NoAccess(t *testing.T) {
	s := newTestStore(t)
	ns := createTestNamespace(t, s, "ns-no-access")
	repo := createTestRepo(t, s, ns.ID, "private-repo")

	userNs := createTestNamespace(t, s, "ns-stranger")
	stranger := createTestPrincipal(t, s, "principal-stranger", userNs.ID)
	checker := NewPermissionChecker(s)

	t.Run("no grant means no access", func(t *testing.T) {
		has, err := checker.CheckRepoPermission(stranger.ID, repo, PermRepoRead)
		require.NoError(t, err)
		assert.False(t, has)

		canAccess, err := checker.CanAccessNamespace(stranger.ID, ns.ID)
		require.NoError(t, err)
		assert.False(t, canAccess)
	})
}

var _ = createTestToken
