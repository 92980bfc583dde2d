package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bantamhq/cutman/internal/lfs"
	"github.com/bantamhq/cutman/internal/store"
)

// Server is the HTTP server for cutman.
type Server struct {
	store       store.Store
	dataDir     string
	lfsOpts     LFSOptions
	router      *chi.Mux
	permissions *store.PermissionChecker
	lfsHandler  *LFSHandler
	gitHandler  *GitHTTPHandler
}

// NewServer creates a new server instance.
func NewServer(st store.Store, dataDir string, lfsOpts LFSOptions) *Server {
	permissions := store.NewPermissionChecker(st)

	s := &Server{
		store:       st,
		dataDir:     dataDir,
		lfsOpts:     lfsOpts,
		router:      chi.NewRouter(),
		permissions: permissions,
	}

	s.gitHandler = NewGitHTTPHandler(st, dataDir, permissions)

	if lfsOpts.Enabled {
		lfsPath := filepath.Join(dataDir, "lfs")
		storage := lfs.NewLocalStorage(lfsPath)
		s.lfsHandler = NewLFSHandler(st, storage, permissions, lfsOpts.MaxFileSize)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Admin routes - requires admin token.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.RequireAdmin)

			r.Get("/namespaces", s.handleAdminListNamespaces)
			r.Post("/namespaces", s.handleAdminCreateNamespace)
			r.Get("/namespaces/{name}", s.handleAdminGetNamespace)
			r.Delete("/namespaces/{name}", s.handleAdminDeleteNamespace)

			r.Get("/tokens", s.handleAdminListTokens)
			r.Get("/tokens/{id}", s.handleAdminGetToken)
			r.Delete("/tokens/{id}", s.handleAdminDeleteToken)

			r.Post("/principals", s.handleAdminCreatePrincipal)
			r.Get("/principals", s.handleAdminListPrincipals)
			r.Get("/principals/{id}", s.handleAdminGetPrincipal)
			r.Delete("/principals/{id}", s.handleAdminDeletePrincipal)

			r.Get("/principals/{id}/tokens", s.handleAdminListPrincipalTokens)
			r.Post("/principals/{id}/tokens", s.handleAdminCreatePrincipalToken)

			r.Post("/principals/{id}/namespace-grants", s.handleAdminCreateNamespaceGrant)
			r.Get("/principals/{id}/namespace-grants", s.handleAdminListNamespaceGrants)
			r.Get("/principals/{id}/namespace-grants/{ns_id}", s.handleAdminGetNamespaceGrant)
			r.Delete("/principals/{id}/namespace-grants/{ns_id}", s.handleAdminDeleteNamespaceGrant)

			r.Post("/principals/{id}/repo-grants", s.handleAdminCreateRepoGrant)
			r.Get("/principals/{id}/repo-grants", s.handleAdminListRepoGrants)
			r.Get("/principals/{id}/repo-grants/{repo_id}", s.handleAdminGetRepoGrant)
			r.Delete("/principals/{id}/repo-grants/{repo_id}", s.handleAdminDeleteRepoGrant)
		})

		// Principal routes - requires a non-admin token bound to a principal.
		r.Group(func(r chi.Router) {
			r.Use(s.RequirePrincipal)

			r.Get("/namespaces", s.handleListNamespaces)
			r.Patch("/namespaces/{name}", s.handleUpdateNamespace)
			r.Delete("/namespaces/{name}", s.handleDeleteNamespace)

			r.Get("/repos", s.handleListRepos)
			r.Post("/repos", s.handleCreateRepo)
			r.Get("/repos/{id}", s.handleGetRepo)
			r.Patch("/repos/{id}", s.handleUpdateRepo)
			r.Delete("/repos/{id}", s.handleDeleteRepo)

			r.Get("/repos/{id}/tags", s.handleListRepoTags)
			r.Post("/repos/{id}/tags", s.handleAddRepoTags)
			r.Put("/repos/{id}/tags", s.handleSetRepoTags)
			r.Delete("/repos/{id}/tags/{tag_id}", s.handleRemoveRepoTag)

			r.Get("/repos/{id}/folders", s.handleListRepoFolders)
			r.Post("/repos/{id}/folders", s.handleAddRepoFolders)
			r.Put("/repos/{id}/folders", s.handleSetRepoFolders)
			r.Delete("/repos/{id}/folders/{folder_id}", s.handleRemoveRepoFolder)

			r.Get("/folders", s.handleListFolders)
			r.Post("/folders", s.handleCreateFolder)
			r.Get("/folders/{id}", s.handleGetFolder)
			r.Patch("/folders/{id}", s.handleUpdateFolder)
			r.Delete("/folders/{id}", s.handleDeleteFolder)

			r.Get("/tags", s.handleListTags)
			r.Post("/tags", s.handleCreateTag)
			r.Get("/tags/{id}", s.handleGetTag)
			r.Patch("/tags/{id}", s.handleUpdateTag)
			r.Delete("/tags/{id}", s.handleDeleteTag)
		})

		// Content API - optional auth, respects the repo's public flag.
		r.Group(func(r chi.Router) {
			r.Use(s.OptionalAuth)
			r.Get("/repos/{id}/readme", s.handleGetReadme)
			r.Get("/repos/{id}/refs", s.handleListRefs)
			r.Get("/repos/{id}/commits", s.handleListCommits)
			r.Get("/repos/{id}/commits/{sha}/diff", s.handleGetCommitDiff)
			r.Get("/repos/{id}/commits/{sha}", s.handleGetCommit)
			r.Get("/repos/{id}/compare/{base}...{head}", s.handleCompareCommits)
			r.Get("/repos/{id}/tree/{ref}/*", s.handleGetTree)
			r.Get("/repos/{id}/blob/{ref}/*", s.handleGetBlob)
			r.Get("/repos/{id}/blame/{ref}/*", s.handleGetBlame)
			r.Get("/repos/{id}/archive/{ref}", s.handleGetArchive)
		})
	})

	s.router.Route("/git", func(r chi.Router) {
		if s.lfsHandler != nil {
			r.Route("/{namespace}/{repo}.git/info/lfs", func(r chi.Router) {
				r.Use(s.OptionalAuth)
				r.Mount("/", s.lfsHandler.Routes())
			})
		}

		r.HandleFunc("/*", s.gitHandler.ServeHTTP)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start starts the HTTP server on the given host and port.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	fmt.Printf("Starting server on %s\n", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return server.ListenAndServe()
}
