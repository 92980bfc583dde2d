package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bantamhq/cutman/internal/store"
)

const defaultPageSize = 20

// resolveRequestNamespace resolves the namespace a /repos request targets:
// an explicit "namespace" query param/body field if given, otherwise the
// principal's primary namespace. The caller's required permission on that
// namespace is then checked.
func (s *Server) resolveRequestNamespace(w http.ResponseWriter, principal *store.Principal, name string, required store.Permission) *store.Namespace {
	var ns *store.Namespace
	var err error

	if name != "" {
		ns, err = s.store.GetNamespaceByName(name)
	} else {
		ns, err = s.store.GetNamespace(principal.PrimaryNamespaceID)
	}
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to resolve namespace")
		return nil
	}
	if ns == nil {
		JSONError(w, http.StatusNotFound, "Namespace not found")
		return nil
	}

	allowed, err := s.permissions.CheckNamespacePermission(principal.ID, ns.ID, required)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check permission")
		return nil
	}
	if !allowed {
		JSONError(w, http.StatusForbidden, "Access denied to namespace")
		return nil
	}

	return ns
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())

	ns := s.resolveRequestNamespace(w, principal, r.URL.Query().Get("namespace"), store.PermNamespaceRead)
	if ns == nil {
		return
	}

	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultPageSize)

	repos, err := s.store.ListReposWithFolders(ns.ID, cursor, limit+1)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repos")
		return
	}

	paged, nextCursor, hasMore := paginateSlice(repos, limit, func(rf store.RepoWithFolders) string { return rf.Name })
	JSONList(w, paged, nextCursor, hasMore)
}

type createRepoRequest struct {
	Name      string `json:"name"`
	Public    bool   `json:"public"`
	Namespace string `json:"namespace,omitempty"`
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())

	var req createRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := ValidateRepoName(req.Name); err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ns := s.resolveRequestNamespace(w, principal, req.Namespace, store.PermNamespaceWrite)
	if ns == nil {
		return
	}

	existing, err := s.store.GetRepo(ns.ID, req.Name)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check existing repo")
		return
	}
	if existing != nil {
		JSONError(w, http.StatusConflict, "Repository already exists")
		return
	}

	now := time.Now()
	repo := &store.Repo{
		ID:          uuid.New().String(),
		NamespaceID: ns.ID,
		Name:        req.Name,
		Public:      req.Public,
		SizeBytes:   0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	repoPath, err := SafeRepoPath(s.dataDir, ns.ID, req.Name)
	if err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateRepo(repo); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to create repo")
		return
	}

	if err := initBareRepo(repoPath); err != nil {
		s.store.DeleteRepo(repo.ID)
		JSONError(w, http.StatusInternalServerError, "Failed to init bare repo")
		return
	}

	JSON(w, http.StatusCreated, repo)
}

// requireRepoPermission fetches the repo named by the {id} URL param and
// checks the principal has the required permission on it.
func (s *Server) requireRepoPermission(w http.ResponseWriter, r *http.Request, required store.Permission) *store.Repo {
	principal := GetPrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	repo, err := s.store.GetRepoByID(id)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get repo")
		return nil
	}
	if repo == nil {
		JSONError(w, http.StatusNotFound, "Repository not found")
		return nil
	}

	allowed, err := s.permissions.CheckRepoPermission(principal.ID, repo, required)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check permission")
		return nil
	}
	if !allowed {
		JSONError(w, http.StatusForbidden, "Access denied")
		return nil
	}

	return repo
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoRead)
	if repo == nil {
		return
	}

	JSON(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoAdmin)
	if repo == nil {
		return
	}

	repoPath, err := SafeRepoPath(s.dataDir, repo.NamespaceID, repo.Name)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to resolve repo path")
		return
	}

	if err := s.store.DeleteRepo(repo.ID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete repo")
		return
	}

	if err := os.RemoveAll(repoPath); err != nil {
		fmt.Printf("Warning: failed to remove repo directory %s: %v\n", repoPath, err)
	}

	w.WriteHeader(http.StatusNoContent)
}

type updateRepoRequest struct {
	Name        *string `json:"name,omitempty"`
	Public      *bool   `json:"public,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (s *Server) handleUpdateRepo(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoAdmin)
	if repo == nil {
		return
	}

	var req updateRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	oldName := repo.Name
	nameChanged := req.Name != nil && *req.Name != oldName

	if nameChanged {
		if err := ValidateRepoName(*req.Name); err != nil {
			JSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		existing, err := s.store.GetRepo(repo.NamespaceID, *req.Name)
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "Failed to check existing repo")
			return
		}
		if existing != nil {
			JSONError(w, http.StatusConflict, "Repository with that name already exists")
			return
		}

		repo.Name = *req.Name
	}

	if req.Public != nil {
		repo.Public = *req.Public
	}
	if req.Description != nil {
		repo.Description = req.Description
	}

	if nameChanged {
		if err := s.renameRepoOnDisk(repo.NamespaceID, oldName, *req.Name); err != nil {
			JSONError(w, http.StatusInternalServerError, "Failed to rename repository on disk")
			return
		}

		if err := s.store.UpdateRepo(repo); err != nil {
			s.renameRepoOnDisk(repo.NamespaceID, *req.Name, oldName)
			JSONError(w, http.StatusInternalServerError, "Failed to update repo")
			return
		}
	} else {
		if err := s.store.UpdateRepo(repo); err != nil {
			JSONError(w, http.StatusInternalServerError, "Failed to update repo")
			return
		}
	}

	JSON(w, http.StatusOK, repo)
}

func (s *Server) renameRepoOnDisk(namespaceID, oldName, newName string) error {
	oldPath, err := SafeRepoPath(s.dataDir, namespaceID, oldName)
	if err != nil {
		return err
	}
	newPath, err := SafeRepoPath(s.dataDir, namespaceID, newName)
	if err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

// ---- Repo tags (M2M) ----

func (s *Server) handleListRepoTags(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoRead)
	if repo == nil {
		return
	}

	tags, err := s.store.ListRepoTags(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo tags")
		return
	}

	JSON(w, http.StatusOK, tags)
}

type repoTagsRequest struct {
	TagIDs []string `json:"tag_ids"`
}

func (s *Server) handleAddRepoTags(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoWrite)
	if repo == nil {
		return
	}

	var req repoTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	existing, err := s.store.ListRepoTags(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo tags")
		return
	}

	tagIDs := make([]string, 0, len(existing)+len(req.TagIDs))
	for _, t := range existing {
		tagIDs = append(tagIDs, t.ID)
	}
	tagIDs = append(tagIDs, req.TagIDs...)

	if err := s.store.SetRepoTags(repo.ID, tagIDs); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to add repo tags")
		return
	}

	tags, err := s.store.ListRepoTags(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo tags")
		return
	}

	JSON(w, http.StatusOK, tags)
}

func (s *Server) handleSetRepoTags(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoWrite)
	if repo == nil {
		return
	}

	var req repoTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.store.SetRepoTags(repo.ID, req.TagIDs); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to set repo tags")
		return
	}

	tags, err := s.store.ListRepoTags(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo tags")
		return
	}

	JSON(w, http.StatusOK, tags)
}

func (s *Server) handleRemoveRepoTag(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoWrite)
	if repo == nil {
		return
	}

	tagID := chi.URLParam(r, "tag_id")

	existing, err := s.store.ListRepoTags(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo tags")
		return
	}

	remaining := make([]string, 0, len(existing))
	for _, t := range existing {
		if t.ID != tagID {
			remaining = append(remaining, t.ID)
		}
	}

	if err := s.store.SetRepoTags(repo.ID, remaining); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to remove repo tag")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
