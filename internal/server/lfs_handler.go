package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bantamhq/cutman/internal/lfs"
	"github.com/bantamhq/cutman/internal/store"
)

const lfsMediaType = "application/vnd.git-lfs+json"

// LFSOptions configures the Git LFS Batch API endpoint mounted alongside the
// Git transport.
type LFSOptions struct {
	Enabled     bool
	MaxFileSize int64
}

// LFSHandler serves the Git LFS v1 Batch API and the object transfer
// endpoints it advertises.
type LFSHandler struct {
	store       store.Store
	storage     lfs.Storage
	permissions *store.PermissionChecker
	maxFileSize int64
}

func NewLFSHandler(st store.Store, storage lfs.Storage, permissions *store.PermissionChecker, maxFileSize int64) *LFSHandler {
	return &LFSHandler{
		store:       st,
		storage:     storage,
		permissions: permissions,
		maxFileSize: maxFileSize,
	}
}

func (h *LFSHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/objects/batch", h.handleBatch)
	r.Get("/objects/{oid}", h.handleDownload)
	r.Put("/objects/{oid}", h.handleUpload)
	r.Post("/verify", h.handleVerify)
	return r
}

func (h *LFSHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	ns, repo := h.resolveRepo(w, r)
	if repo == nil {
		return
	}

	var req lfs.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.lfsError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Operation != "download" && req.Operation != "upload" {
		h.lfsError(w, http.StatusBadRequest, "Invalid operation")
		return
	}

	isWrite := req.Operation == "upload"
	if !h.checkPermission(w, r, repo, isWrite) {
		return
	}

	baseURL := requestBaseURL(r)
	authHeader := h.buildAuthHeader(r)

	resp := lfs.BatchResponse{
		Transfer: "basic",
		Objects:  make([]lfs.ObjectResponse, 0, len(req.Objects)),
	}

	for _, obj := range req.Objects {
		objResp := h.processObject(r, ns, repo, obj, req.Operation, baseURL, authHeader)
		resp.Objects = append(resp.Objects, objResp)
	}

	h.lfsJSON(w, http.StatusOK, resp)
}

// objectExists reports whether an object is present, requiring agreement
// between the filesystem blob and its index row. If only one holds, the
// object is treated as absent.
func (h *LFSHandler) objectExists(r *http.Request, repoID, oid string) (bool, error) {
	onDisk, err := h.storage.Exists(r.Context(), repoID, oid)
	if err != nil {
		return false, err
	}

	indexed, err := h.store.GetLFSObject(repoID, oid)
	if err != nil {
		return false, err
	}

	return onDisk && indexed != nil, nil
}

func (h *LFSHandler) processObject(r *http.Request, ns *store.Namespace, repo *store.Repo, obj lfs.ObjectSpec, operation, baseURL string, authHeader map[string]string) lfs.ObjectResponse {
	if err := lfs.ValidateOID(obj.OID); err != nil {
		return objectError(obj, 422, "Invalid OID format")
	}

	if h.maxFileSize > 0 && obj.Size > h.maxFileSize {
		return objectError(obj, 413, fmt.Sprintf("Object exceeds maximum size of %d bytes", h.maxFileSize))
	}

	exists, err := h.objectExists(r, repo.ID, obj.OID)
	if err != nil {
		return objectError(obj, 500, "Failed to check object existence")
	}

	objURL := fmt.Sprintf("%s/git/%s/%s.git/info/lfs/objects/%s", baseURL, ns.Name, repo.Name, obj.OID)

	if operation == "download" {
		return h.downloadResponse(obj, exists, objURL, authHeader)
	}

	return h.uploadResponse(obj, exists, objURL, authHeader, baseURL, ns.Name, repo.Name)
}

func objectError(obj lfs.ObjectSpec, code int, message string) lfs.ObjectResponse {
	return lfs.ObjectResponse{
		OID:   obj.OID,
		Size:  obj.Size,
		Error: &lfs.ObjectError{Code: code, Message: message},
	}
}

func (h *LFSHandler) downloadResponse(obj lfs.ObjectSpec, exists bool, url string, header map[string]string) lfs.ObjectResponse {
	if !exists {
		return objectError(obj, 404, "Object not found")
	}

	return lfs.ObjectResponse{
		OID:  obj.OID,
		Size: obj.Size,
		Actions: map[string]lfs.Action{
			"download": {Href: url, Header: header, ExpiresIn: 3600},
		},
	}
}

func (h *LFSHandler) uploadResponse(obj lfs.ObjectSpec, exists bool, url string, header map[string]string, baseURL, nsName, repoName string) lfs.ObjectResponse {
	resp := lfs.ObjectResponse{
		OID:     obj.OID,
		Size:    obj.Size,
		Actions: make(map[string]lfs.Action),
	}

	if exists {
		authenticated := true
		resp.Authenticated = &authenticated
		resp.Actions = nil
		return resp
	}

	resp.Actions["upload"] = lfs.Action{Href: url, Header: header, ExpiresIn: 3600}
	resp.Actions["verify"] = lfs.Action{
		Href:      fmt.Sprintf("%s/git/%s/%s.git/info/lfs/verify", baseURL, nsName, repoName),
		Header:    header,
		ExpiresIn: 3600,
	}

	return resp
}

func (h *LFSHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	_, repo := h.resolveRepo(w, r)
	if repo == nil {
		return
	}

	if !h.checkPermission(w, r, repo, false) {
		return
	}

	oid := chi.URLParam(r, "oid")
	if err := lfs.ValidateOID(oid); err != nil {
		h.lfsError(w, http.StatusUnprocessableEntity, "Invalid OID format")
		return
	}

	reader, size, err := h.storage.Get(r.Context(), repo.ID, oid)
	if errors.Is(err, lfs.ErrObjectNotFound) {
		h.lfsError(w, http.StatusNotFound, "Object not found")
		return
	}
	if err != nil {
		h.lfsError(w, http.StatusInternalServerError, "Failed to retrieve object")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

func (h *LFSHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	_, repo := h.resolveRepo(w, r)
	if repo == nil {
		return
	}

	if !h.checkPermission(w, r, repo, true) {
		return
	}

	oid := chi.URLParam(r, "oid")
	if err := lfs.ValidateOID(oid); err != nil {
		h.lfsError(w, http.StatusUnprocessableEntity, "Invalid OID format")
		return
	}

	size := r.ContentLength
	if size < 0 {
		h.lfsError(w, http.StatusBadRequest, "Content-Length required")
		return
	}

	if h.maxFileSize > 0 && size > h.maxFileSize {
		h.lfsError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Object exceeds maximum size of %d bytes", h.maxFileSize))
		return
	}

	err := h.storage.Put(r.Context(), repo.ID, oid, r.Body, size)
	if errors.Is(err, lfs.ErrHashMismatch) {
		h.lfsError(w, http.StatusBadRequest, "Content hash does not match OID")
		return
	}
	if err != nil {
		h.lfsError(w, http.StatusInternalServerError, "Failed to store object")
		return
	}

	lfsObj := &store.LFSObject{
		RepoID:    repo.ID,
		OID:       oid,
		Size:      size,
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateLFSObject(lfsObj); err != nil {
		h.storage.Delete(r.Context(), repo.ID, oid)
		h.lfsError(w, http.StatusInternalServerError, "Failed to record object")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *LFSHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	_, repo := h.resolveRepo(w, r)
	if repo == nil {
		return
	}

	if !h.checkPermission(w, r, repo, true) {
		return
	}

	var req lfs.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.lfsError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := lfs.ValidateOID(req.OID); err != nil {
		h.lfsError(w, http.StatusUnprocessableEntity, "Invalid OID format")
		return
	}

	size, err := h.storage.Size(r.Context(), repo.ID, req.OID)
	if errors.Is(err, lfs.ErrObjectNotFound) {
		h.lfsError(w, http.StatusNotFound, "Object not found")
		return
	}
	if err != nil {
		h.lfsError(w, http.StatusInternalServerError, "Failed to verify object")
		return
	}

	if size != req.Size {
		h.lfsError(w, http.StatusBadRequest, fmt.Sprintf("Size mismatch: expected %d, got %d", req.Size, size))
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *LFSHandler) resolveRepo(w http.ResponseWriter, r *http.Request) (*store.Namespace, *store.Repo) {
	namespaceName := chi.URLParam(r, "namespace")
	repoName := chi.URLParam(r, "repo")

	ns, err := h.store.GetNamespaceByName(namespaceName)
	if err != nil {
		h.lfsError(w, http.StatusInternalServerError, "Internal server error")
		return nil, nil
	}
	if ns == nil {
		h.lfsError(w, http.StatusNotFound, "Namespace not found")
		return nil, nil
	}

	repo, err := h.store.GetRepo(ns.ID, repoName)
	if err != nil {
		h.lfsError(w, http.StatusInternalServerError, "Internal server error")
		return nil, nil
	}
	if repo == nil {
		h.lfsError(w, http.StatusNotFound, "Repository not found")
		return nil, nil
	}

	return ns, repo
}

// checkPermission requires a principal-bound token for writes, and for reads
// of non-public repos. Admin tokens carry no principal and are never usable
// here.
func (h *LFSHandler) checkPermission(w http.ResponseWriter, r *http.Request, repo *store.Repo, isWrite bool) bool {
	if !isWrite {
		return h.checkReadPermission(w, r, repo)
	}

	token := GetTokenFromContext(r.Context())
	if token == nil {
		h.lfsErrorWithAuth(w, http.StatusUnauthorized, "Authentication required")
		return false
	}

	principal := GetPrincipalFromContext(r.Context())
	if token.IsAdmin || principal == nil {
		h.lfsError(w, http.StatusForbidden, "Admin token cannot be used for LFS operations")
		return false
	}

	hasWrite, err := h.permissions.CheckRepoPermission(principal.ID, repo, store.PermRepoWrite)
	if err != nil {
		h.lfsError(w, http.StatusInternalServerError, "Failed to check permissions")
		return false
	}

	if !hasWrite {
		h.lfsError(w, http.StatusForbidden, "Write access denied")
		return false
	}

	return true
}

func (h *LFSHandler) checkReadPermission(w http.ResponseWriter, r *http.Request, repo *store.Repo) bool {
	if repo.Public {
		return true
	}

	token := GetTokenFromContext(r.Context())
	if token == nil {
		h.lfsErrorWithAuth(w, http.StatusUnauthorized, "Authentication required")
		return false
	}

	principal := GetPrincipalFromContext(r.Context())
	if token.IsAdmin || principal == nil {
		h.lfsError(w, http.StatusForbidden, "Admin token cannot be used for LFS operations")
		return false
	}

	hasRead, err := h.permissions.CheckRepoPermission(principal.ID, repo, store.PermRepoRead)
	if err != nil {
		h.lfsError(w, http.StatusInternalServerError, "Failed to check permissions")
		return false
	}

	if !hasRead {
		h.lfsError(w, http.StatusForbidden, "Access denied")
		return false
	}

	return true
}

// requestBaseURL derives the externally visible origin for action hrefs from
// the incoming request, honoring a reverse proxy's forwarded-proto header.
func requestBaseURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s", proto, r.Host)
}

func (h *LFSHandler) buildAuthHeader(r *http.Request) map[string]string {
	if GetTokenFromContext(r.Context()) == nil {
		return nil
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return map[string]string{"Authorization": auth}
	}
	return nil
}

func (h *LFSHandler) lfsJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", lfsMediaType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *LFSHandler) lfsError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", lfsMediaType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(lfs.LFSError{Message: message})
}

func (h *LFSHandler) lfsErrorWithAuth(w http.ResponseWriter, status int, message string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="cutman"`)
	h.lfsError(w, status, message)
}
