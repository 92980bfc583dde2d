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

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())
	ns := s.resolveRequestNamespace(w, principal, r.URL.Query().Get("namespace"), store.PermNamespaceRead)
	if ns == nil {
		return
	}

	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultPageSize)

	folders, err := s.store.ListFolders(ns.ID, cursor, limit+1)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list folders")
		return
	}

	paged, nextCursor, hasMore := paginateSlice(folders, limit, func(f store.Folder) string { return f.Name })
	JSONList(w, paged, nextCursor, hasMore)
}

type createFolderRequest struct {
	Name      string  `json:"name"`
	Color     *string `json:"color,omitempty"`
	Namespace string  `json:"namespace,omitempty"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())

	var req createFolderRequest
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

	existing, err := s.store.GetFolderByName(ns.ID, req.Name)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check existing folder")
		return
	}
	if existing != nil {
		JSONError(w, http.StatusConflict, "Folder with that name already exists")
		return
	}

	folder := &store.Folder{
		ID:          uuid.New().String(),
		NamespaceID: ns.ID,
		Name:        req.Name,
		Color:       req.Color,
		CreatedAt:   time.Now(),
	}

	if err := s.store.CreateFolder(folder); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to create folder")
		return
	}

	JSON(w, http.StatusCreated, folder)
}

// requireFolderPermission fetches the folder named by the {id} URL param and
// checks the principal has the required permission on its namespace.
func (s *Server) requireFolderPermission(w http.ResponseWriter, r *http.Request, required store.Permission) *store.Folder {
	principal := GetPrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	folder, err := s.store.GetFolderByID(id)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to get folder")
		return nil
	}
	if folder == nil {
		JSONError(w, http.StatusNotFound, "Folder not found")
		return nil
	}

	allowed, err := s.permissions.CheckNamespacePermission(principal.ID, folder.NamespaceID, required)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to check permission")
		return nil
	}
	if !allowed {
		JSONError(w, http.StatusForbidden, "Access denied")
		return nil
	}

	return folder
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	folder := s.requireFolderPermission(w, r, store.PermNamespaceRead)
	if folder == nil {
		return
	}

	JSON(w, http.StatusOK, folder)
}

type updateFolderRequest struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	folder := s.requireFolderPermission(w, r, store.PermNamespaceWrite)
	if folder == nil {
		return
	}

	var req updateFolderRequest
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

		if *req.Name != folder.Name {
			existing, err := s.store.GetFolderByName(folder.NamespaceID, *req.Name)
			if err != nil {
				JSONError(w, http.StatusInternalServerError, "Failed to check existing folder")
				return
			}
			if existing != nil {
				JSONError(w, http.StatusConflict, "Folder with that name already exists")
				return
			}
		}

		folder.Name = *req.Name
	}

	if req.Color != nil {
		if *req.Color == "" {
			folder.Color = nil
		} else {
			folder.Color = req.Color
		}
	}

	if err := s.store.UpdateFolder(folder); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to update folder")
		return
	}

	JSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	folder := s.requireFolderPermission(w, r, store.PermNamespaceWrite)
	if folder == nil {
		return
	}

	force := r.URL.Query().Get("force") == "true"
	if !force {
		count, err := s.store.CountFolderRepos(folder.ID)
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "Failed to check folder contents")
			return
		}
		if count > 0 {
			JSONError(w, http.StatusConflict, "Folder is not empty. Use ?force=true to delete anyway")
			return
		}
	}

	if err := s.store.DeleteFolder(folder.ID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to delete folder")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---- Repo folders (M2M) ----

func (s *Server) handleListRepoFolders(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoRead)
	if repo == nil {
		return
	}

	folders, err := s.store.ListRepoFolders(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo folders")
		return
	}

	JSON(w, http.StatusOK, folders)
}

type repoFoldersRequest struct {
	FolderIDs []string `json:"folder_ids"`
}

func (s *Server) handleAddRepoFolders(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoWrite)
	if repo == nil {
		return
	}

	var req repoFoldersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.store.AddRepoFolders(repo.ID, req.FolderIDs); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to add repo folders")
		return
	}

	folders, err := s.store.ListRepoFolders(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo folders")
		return
	}

	JSON(w, http.StatusOK, folders)
}

func (s *Server) handleSetRepoFolders(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoWrite)
	if repo == nil {
		return
	}

	var req repoFoldersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.store.SetRepoFolders(repo.ID, req.FolderIDs); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to set repo folders")
		return
	}

	folders, err := s.store.ListRepoFolders(repo.ID)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list repo folders")
		return
	}

	JSON(w, http.StatusOK, folders)
}

func (s *Server) handleRemoveRepoFolder(w http.ResponseWriter, r *http.Request) {
	repo := s.requireRepoPermission(w, r, store.PermRepoWrite)
	if repo == nil {
		return
	}

	folderID := chi.URLParam(r, "folder_id")
	if err := s.store.RemoveRepoFolder(repo.ID, folderID); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to remove repo folder")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
