package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bantamhq/cutman/internal/config"
	"github.com/bantamhq/cutman/internal/server"
	"github.com/bantamhq/cutman/internal/store"
)

const configFileName = "server.toml"
const adminTokenFileName = "admin-token"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cutman",
		Short: "A self-hosted git server",
		Long:  `cutman is a self-hosted git server with namespaces, permission grants, and LFS storage.`,
	}

	var configPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cutman server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", configFileName, "path to server.toml")

	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin bootstrap commands",
	}

	adminInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the database and the first admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminInit(configPath)
		},
	}
	adminInitCmd.Flags().StringVar(&configPath, "config", configFileName, "path to server.toml")

	adminCmd.AddCommand(adminInitCmd)
	rootCmd.AddCommand(serveCmd, adminCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.ServerConfig) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.Storage.DataDir, "cutman.db")

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := st.Initialize(); err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return st, nil
}

func runAdminInit(configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	has, err := st.HasAdminToken()
	if err != nil {
		return fmt.Errorf("check admin token: %w", err)
	}
	if has {
		fmt.Println("An admin token already exists. Nothing to do.")
		return nil
	}

	token, err := st.GenerateAdminToken()
	if err != nil {
		return fmt.Errorf("generate admin token: %w", err)
	}
	if token == "" {
		fmt.Println("An admin token already exists. Nothing to do.")
		return nil
	}

	tokenPath := filepath.Join(cfg.Storage.DataDir, adminTokenFileName)
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write admin token file: %w", err)
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("ADMIN TOKEN GENERATED (save this, it won't be shown again):")
	fmt.Println(token)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Also saved to %s\n", tokenPath)

	return nil
}

func runServe(configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	has, err := st.HasAdminToken()
	if err != nil {
		return fmt.Errorf("check admin token: %w", err)
	}
	if !has {
		fmt.Println("No admin token found. Run 'cutman admin init' first.")
		return fmt.Errorf("admin token not bootstrapped")
	}

	lfsOpts := server.LFSOptions{
		Enabled:     cfg.LFS.Enabled,
		MaxFileSize: cfg.LFS.MaxFileSize,
	}

	srv := server.NewServer(st, cfg.Storage.DataDir, lfsOpts)

	fmt.Printf("Starting cutman server on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Data directory: %s\n", cfg.Storage.DataDir)
	fmt.Println("Example: git clone http://x-token:<token>@localhost:8080/git/<namespace>/<repo>.git")

	return srv.Start(cfg.Server.Host, cfg.Server.Port)
}
