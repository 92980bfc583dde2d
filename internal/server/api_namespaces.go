package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/bantamhq/cutman/internal/store"
)

type namespaceResponse struct {
	store.Namespace
	IsPrimary bool `json:"is_primary"`
}

// handleListNamespaces returns the principal's primary namespace plus every
// namespace it holds a namespace grant in. Namespaces reached only through
// repo grants are not listed.
func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())

	primary, err := s.store.GetNamespace(principal.PrimaryNamespaceID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get primary namespace")
		return
	}

	result := make([]namespaceResponse, 0, 1)
	if primary != nil {
		result = append(result, namespaceResponse{Namespace: *primary, IsPrimary: true})
	}

	grants, err := s.store.ListPrincipalNamespaceGrants(principal.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list namespace grants")
		return
	}

	for _, grant := range grants {
		ns, err := s.store.GetNamespace(grant.NamespaceID)
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "Failed to get namespace")
			return
		}
		if ns == nil {
			continue
		}
		result = append(result, namespaceResponse{Namespace: *ns, IsPrimary: false})
	}

	JSON(w, http.StatusOK, result)
}

func (s *Server) namespaceByNameForPrincipal(w http.ResponseWriter, r *http.Request, required store.Permission) *store.Namespace {
	principal := GetPrincipalFromContext(r.Context())
	name := chi.URLParam(r, "name")

	ns, err := s.store.GetNamespaceByName(name)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get namespace")
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
		JSONError(w, http.StatusForbidden, "Access denied")
		return nil
	}

	return ns
}

type updateNamespaceRequest struct {
	RepoLimit         *int `json:"repo_limit,omitempty"`
	StorageLimitBytes *int `json:"storage_limit_bytes,omitempty"`
}

func (s *Server) handleUpdateNamespace(w http.ResponseWriter, r *http.Request) {
	ns := s.namespaceByNameForPrincipal(w, r, store.PermNamespaceAdmin)
	if ns == nil {
		return
	}

	var req updateNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RepoLimit != nil {
		ns.RepoLimit = req.RepoLimit
	}
	if req.StorageLimitBytes != nil {
		ns.StorageLimitBytes = req.StorageLimitBytes
	}

	if err := s.store.UpdateNamespace(ns); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to update namespace")
		return
	}

	JSON(w, http.StatusOK, ns)
}

func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())
	ns := s.namespaceByNameForPrincipal(w, r, store.PermNamespaceAdmin)
	if ns == nil {
		return
	}

	if ns.ID == principal.PrimaryNamespaceID {
		JSONError(w, http.StatusBadRequest, "Cannot delete primary namespace")
		return
	}

	repos, err := s.store.ListRepos(ns.ID, "", 1)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check namespace repos")
		return
	}
	if len(repos) > 0 {
		JSONError(w, http.StatusConflict, "Cannot delete namespace with existing repos")
		return
	}

	reposPath, err := SafeNamespacePath(s.dataDir, ns.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to resolve namespace path")
		return
	}

	if err := s.store.DeleteNamespace(ns.ID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete namespace")
		return
	}

	if err := os.RemoveAll(reposPath); err != nil {
		fmt.Printf("Warning: failed to remove namespace directory %s: %v\n", reposPath, err)
	}

	w.WriteHeader(http.StatusNoContent)
}
