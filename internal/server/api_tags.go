package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bantamhq/cutman/internal/store"
)

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())
	ns := s.resolveRequestNamespace(w, principal, r.URL.Query().Get("namespace"), store.PermNamespaceRead)
	if ns == nil {
		return
	}

	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultPageSize)

	tags, err := s.store.ListTags(ns.ID, cursor, limit+1)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list tags")
		return
	}

	paged, nextCursor, hasMore := paginateSlice(tags, limit, func(t store.Tag) string { return t.Name })
	JSONList(w, paged, nextCursor, hasMore)
}

type createTagRequest struct {
	Name      string  `json:"name"`
	Color     *string `json:"color,omitempty"`
	Namespace string  `json:"namespace,omitempty"`
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())

	var req createTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := ValidateLabelName(req.Name); err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.ToLower(req.Name)

	ns := s.resolveRequestNamespace(w, principal, req.Namespace, store.PermNamespaceWrite)
	if ns == nil {
		return
	}

	existing, err := s.store.GetTagByName(ns.ID, req.Name)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check existing tag")
		return
	}
	if existing != nil {
		JSONError(w, http.StatusConflict, "Tag with that name already exists")
		return
	}

	tag := &store.Tag{
		ID:          uuid.New().String(),
		NamespaceID: ns.ID,
		Name:        req.Name,
		Color:       req.Color,
		CreatedAt:   time.Now(),
	}

	if err := s.store.CreateTag(tag); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to create tag")
		return
	}

	JSON(w, http.StatusCreated, tag)
}

// requireTagPermission fetches the tag named by the {id} URL param and
// checks the principal has the required permission on its namespace.
func (s *Server) requireTagPermission(w http.ResponseWriter, r *http.Request, required store.Permission) *store.Tag {
	principal := GetPrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	tag, err := s.store.GetTagByID(id)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get tag")
		return nil
	}
	if tag == nil {
		JSONError(w, http.StatusNotFound, "Tag not found")
		return nil
	}

	allowed, err := s.permissions.CheckNamespacePermission(principal.ID, tag.NamespaceID, required)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check permission")
		return nil
	}
	if !allowed {
		JSONError(w, http.StatusForbidden, "Access denied")
		return nil
	}

	return tag
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	tag := s.requireTagPermission(w, r, store.PermNamespaceRead)
	if tag == nil {
		return
	}

	JSON(w, http.StatusOK, tag)
}

type updateTagRequest struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

func (s *Server) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	tag := s.requireTagPermission(w, r, store.PermNamespaceWrite)
	if tag == nil {
		return
	}

	var req updateTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != nil {
		if err := ValidateLabelName(*req.Name); err != nil {
			JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		lowered := strings.ToLower(*req.Name)
		req.Name = &lowered

		if *req.Name != tag.Name {
			existing, err := s.store.GetTagByName(tag.NamespaceID, *req.Name)
			if err != nil {
				JSONError(w, http.StatusInternalServerError, "Failed to check existing tag")
				return
			}
			if existing != nil {
				JSONError(w, http.StatusConflict, "Tag with that name already exists")
				return
			}
		}

		tag.Name = *req.Name
	}

	if req.Color != nil {
		if *req.Color == "" {
			tag.Color = nil
		} else {
			tag.Color = req.Color
		}
	}

	if err := s.store.UpdateTag(tag); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to update tag")
		return
	}

	JSON(w, http.StatusOK, tag)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	tag := s.requireTagPermission(w, r, store.PermNamespaceWrite)
	if tag == nil {
		return
	}

	force := r.URL.Query().Get("force") == "true"
	if !force {
		count, err := s.store.CountTagRepos(tag.ID)
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "Failed to check tag usage")
			return
		}
		if count > 0 {
			JSONError(w, http.StatusConflict, "Tag is applied to repos. Use ?force=true to delete anyway")
			return
		}
	}

	if err := s.store.DeleteTag(tag.ID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete tag")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
