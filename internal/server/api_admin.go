package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bantamhq/cutman/internal/store"
)

// ---- Namespaces ----

func (s *Server) handleAdminListNamespaces(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultPageSize)

	namespaces, err := s.store.ListNamespaces(cursor, limit+1)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list namespaces")
		return
	}

	paged, nextCursor, hasMore := paginateSlice(namespaces, limit, func(ns store.Namespace) string { return ns.ID })
	JSONList(w, paged, nextCursor, hasMore)
}

type adminCreateNamespaceRequest struct {
	Name              string `json:"name"`
	RepoLimit         *int   `json:"repo_limit,omitempty"`
	StorageLimitBytes *int   `json:"storage_limit_bytes,omitempty"`
}

func (s *Server) handleAdminCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var req adminCreateNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := ValidateNamespaceName(req.Name); err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.GetNamespaceByName(req.Name)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check existing namespace")
		return
	}
	if existing != nil {
		JSONError(w, http.StatusConflict, "Namespace already exists")
		return
	}

	ns := &store.Namespace{
		ID:                uuid.New().String(),
		Name:              req.Name,
		CreatedAt:         time.Now(),
		RepoLimit:         req.RepoLimit,
		StorageLimitBytes: req.StorageLimitBytes,
	}

	if err := s.store.CreateNamespace(ns); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to create namespace")
		return
	}

	JSON(w, http.StatusCreated, ns)
}

func (s *Server) adminGetNamespaceByName(w http.ResponseWriter, r *http.Request) *store.Namespace {
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
	return ns
}

func (s *Server) handleAdminGetNamespace(w http.ResponseWriter, r *http.Request) {
	ns := s.adminGetNamespaceByName(w, r)
	if ns == nil {
		return
	}
	JSON(w, http.StatusOK, ns)
}

func (s *Server) handleAdminDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	ns := s.adminGetNamespaceByName(w, r)
	if ns == nil {
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

	if err := s.store.DeleteNamespace(ns.ID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete namespace")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---- Tokens ----

func (s *Server) handleAdminListTokens(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultPageSize)

	tokens, err := s.store.ListTokens(cursor, limit+1)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}

	paged, nextCursor, hasMore := paginateSlice(tokens, limit, func(t store.Token) string { return t.ID })
	JSONList(w, paged, nextCursor, hasMore)
}

func (s *Server) handleAdminGetToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token, err := s.store.GetTokenByID(id)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get token")
		return
	}
	if token == nil {
		JSONError(w, http.StatusNotFound, "Token not found")
		return
	}
	JSON(w, http.StatusOK, token)
}

func (s *Server) handleAdminDeleteToken(w http.ResponseWriter, r *http.Request) {
	adminToken := GetTokenFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if id == adminToken.ID {
		JSONError(w, http.StatusBadRequest, "Cannot delete current token")
		return
	}

	token, err := s.store.GetTokenByID(id)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get token")
		return
	}
	if token == nil {
		JSONError(w, http.StatusNotFound, "Token not found")
		return
	}

	if err := s.store.DeleteToken(id); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---- Principals ----

func (s *Server) handleAdminListPrincipals(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultPageSize)

	principals, err := s.store.ListPrincipals(cursor, limit+1)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list principals")
		return
	}

	paged, nextCursor, hasMore := paginateSlice(principals, limit, func(p store.Principal) string { return p.ID })
	JSONList(w, paged, nextCursor, hasMore)
}

type adminCreatePrincipalRequest struct {
	NamespaceName string `json:"namespace_name"`
}

// handleAdminCreatePrincipal implements spec §8 scenario 1: given a
// namespace name, create the namespace if it doesn't exist yet and bind a
// fresh principal to it as its primary namespace.
func (s *Server) handleAdminCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req adminCreatePrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := ValidateNamespaceName(req.NamespaceName); err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ns, err := s.store.GetNamespaceByName(req.NamespaceName)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check existing namespace")
		return
	}
	if ns == nil {
		ns = &store.Namespace{
			ID:        uuid.New().String(),
			Name:      req.NamespaceName,
			CreatedAt: time.Now(),
		}
		if err := s.store.CreateNamespace(ns); err != nil {
			JSONError(w, http.StatusInternalServerError, "Failed to create namespace")
			return
		}
	}

	existing, err := s.store.GetPrincipalByPrimaryNamespace(ns.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check existing principal")
		return
	}
	if existing != nil {
		JSONError(w, http.StatusConflict, "Namespace already has a principal")
		return
	}

	now := time.Now()
	principal := &store.Principal{
		ID:                 uuid.New().String(),
		PrimaryNamespaceID: ns.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.CreatePrincipal(principal); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to create principal")
		return
	}

	JSON(w, http.StatusCreated, principal)
}

func (s *Server) adminGetPrincipal(w http.ResponseWriter, r *http.Request) *store.Principal {
	id := chi.URLParam(r, "id")
	principal, err := s.store.GetPrincipal(id)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get principal")
		return nil
	}
	if principal == nil {
		JSONError(w, http.StatusNotFound, "Principal not found")
		return nil
	}
	return principal
}

func (s *Server) handleAdminGetPrincipal(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}
	JSON(w, http.StatusOK, principal)
}

func (s *Server) handleAdminDeletePrincipal(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	if err := s.store.DeletePrincipal(principal.ID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete principal")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---- Principal tokens ----

func (s *Server) handleAdminListPrincipalTokens(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	tokens, err := s.store.ListPrincipalTokens(principal.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}

	JSON(w, http.StatusOK, tokens)
}

type adminCreatePrincipalTokenRequest struct {
	Name            *string                  `json:"name,omitempty"`
	ExpiresIn       *int                     `json:"expires_in,omitempty"`
	NamespaceGrants []namespaceGrantRequest  `json:"namespace_grants,omitempty"`
	RepoGrants      []repoGrantRequest       `json:"repo_grants,omitempty"`
}

type namespaceGrantRequest struct {
	NamespaceID string   `json:"namespace_id"`
	Allow       []string `json:"allow"`
	Deny        []string `json:"deny"`
}

type repoGrantRequest struct {
	RepoID string   `json:"repo_id"`
	Allow  []string `json:"allow"`
	Deny   []string `json:"deny"`
}

type adminTokenWithSecretResponse struct {
	ID          string     `json:"id"`
	Name        *string    `json:"name,omitempty"`
	IsAdmin     bool       `json:"is_admin"`
	PrincipalID *string    `json:"principal_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Token       string     `json:"token"`
}

// handleAdminCreatePrincipalToken mints a token bound to the given
// principal, returning the raw secret exactly once (spec §6).
func (s *Server) handleAdminCreatePrincipalToken(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	var req adminCreatePrincipalTokenRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			JSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	var expiresAt *time.Time
	if req.ExpiresIn != nil {
		t := time.Now().Add(time.Duration(*req.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	namespaceGrants := make([]store.NamespaceGrant, 0, len(req.NamespaceGrants))
	for _, g := range req.NamespaceGrants {
		namespaceGrants = append(namespaceGrants, store.NamespaceGrant{
			NamespaceID: g.NamespaceID,
			AllowBits:   store.PermissionsFromStrings(g.Allow),
			DenyBits:    store.PermissionsFromStrings(g.Deny),
		})
	}

	repoGrants := make([]store.RepoGrant, 0, len(req.RepoGrants))
	for _, g := range req.RepoGrants {
		repoGrants = append(repoGrants, store.RepoGrant{
			RepoID:    g.RepoID,
			AllowBits: store.PermissionsFromStrings(g.Allow),
			DenyBits:  store.PermissionsFromStrings(g.Deny),
		})
	}

	rawToken, token, err := s.store.GenerateUserTokenWithGrants(principal.ID, req.Name, expiresAt, namespaceGrants, repoGrants)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	JSON(w, http.StatusCreated, adminTokenWithSecretResponse{
		ID:          token.ID,
		Name:        token.Name,
		IsAdmin:     token.IsAdmin,
		PrincipalID: token.PrincipalID,
		CreatedAt:   token.CreatedAt,
		ExpiresAt:   token.ExpiresAt,
		LastUsedAt:  token.LastUsedAt,
		Token:       rawToken,
	})
}

// ---- Namespace grants ----

func (s *Server) handleAdminCreateNamespaceGrant(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	var req namespaceGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	grant := &store.NamespaceGrant{
		PrincipalID: principal.ID,
		NamespaceID: req.NamespaceID,
		AllowBits:   store.PermissionsFromStrings(req.Allow),
		DenyBits:    store.PermissionsFromStrings(req.Deny),
	}

	if err := s.store.UpsertNamespaceGrant(grant); err != nil {
		if err == store.ErrPrimaryNamespaceGrant {
			JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		JSONError(w, http.StatusInternalServerError, "Failed to create namespace grant")
		return
	}

	JSON(w, http.StatusCreated, grant)
}

func (s *Server) handleAdminListNamespaceGrants(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	grants, err := s.store.ListPrincipalNamespaceGrants(principal.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list namespace grants")
		return
	}

	JSON(w, http.StatusOK, grants)
}

func (s *Server) handleAdminGetNamespaceGrant(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	nsID := chi.URLParam(r, "ns_id")
	grant, err := s.store.GetNamespaceGrant(principal.ID, nsID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get namespace grant")
		return
	}
	if grant == nil {
		JSONError(w, http.StatusNotFound, "Namespace grant not found")
		return
	}

	JSON(w, http.StatusOK, grant)
}

func (s *Server) handleAdminDeleteNamespaceGrant(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	nsID := chi.URLParam(r, "ns_id")
	if err := s.store.DeleteNamespaceGrant(principal.ID, nsID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete namespace grant")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---- Repo grants ----

func (s *Server) handleAdminCreateRepoGrant(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	var req repoGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	grant := &store.RepoGrant{
		PrincipalID: principal.ID,
		RepoID:      req.RepoID,
		AllowBits:   store.PermissionsFromStrings(req.Allow),
		DenyBits:    store.PermissionsFromStrings(req.Deny),
	}

	if err := s.store.UpsertRepoGrant(grant); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to create repo grant")
		return
	}

	JSON(w, http.StatusCreated, grant)
}

func (s *Server) handleAdminListRepoGrants(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	grants, err := s.store.ListPrincipalRepoGrants(principal.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo grants")
		return
	}

	JSON(w, http.StatusOK, grants)
}

func (s *Server) handleAdminGetRepoGrant(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	repoID := chi.URLParam(r, "repo_id")
	grant, err := s.store.GetRepoGrant(principal.ID, repoID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get repo grant")
		return
	}
	if grant == nil {
		JSONError(w, http.StatusNotFound, "Repo grant not found")
		return
	}

	JSON(w, http.StatusOK, grant)
}

func (s *Server) handleAdminDeleteRepoGrant(w http.ResponseWriter, r *http.Request) {
	principal := s.adminGetPrincipal(w, r)
	if principal == nil {
		return
	}

	repoID := chi.URLParam(r, "repo_id")
	if err := s.store.DeleteRepoGrant(principal.ID, repoID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete repo grant")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
