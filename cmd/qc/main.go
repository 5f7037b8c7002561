// Quants Café CLI - operator commands for a running daemon
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantscafe/quantscafe/internal/config"
	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/storage"
	"github.com/quantscafe/quantscafe/internal/vault"
)

var (
	configPath string
	serverURL  string

	version = "0.1.0-alpha"

	stdin = bufio.NewReader(os.Stdin)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qc",
		Short: "Quants Café - operator CLI",
		Long: `qc inspects and administers a Quants Café daemon.

Read commands talk to the daemon's HTTP API. Owner key commands open
the database directly and seal keys with the vault passphrase.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv("")
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.json)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon URL (default from config)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(ownerCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func apiClient() (*client, error) {
	url := serverURL
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		url = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	return newClient(url), nil
}

// initCmd writes a default config file
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			path := configPath
			if path == "" {
				path = filepath.Join(cfg.DataDir, "config.json")
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("⚠️  Config already exists at %s\n", path)
				return nil
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("✅ Wrote %s\n", path)
			fmt.Println()
			fmt.Println("Keys are never written to the file. Set them in the environment:")
			fmt.Println("   QC_KEYPOOL_KEYS=sk-a,sk-b")
			fmt.Println("   QC_VAULT_PASSPHRASE=...")
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents and balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			var agents []core.Agent
			if err := c.get(cmd.Context(), "/api/v1/agents", &agents); err != nil {
				return err
			}

			rows := make([][]string, 0, len(agents))
			for _, a := range agents {
				owner := string(a.OwnerID)
				if owner == "" {
					owner = "npc"
				}
				rows = append(rows, []string{string(a.ID), a.Name, owner, fmt.Sprint(a.Balance), fmt.Sprint(a.IntelPnL)})
			}
			fmt.Println(renderTable("Agents", []string{"ID", "NAME", "OWNER", "BALANCE", "INTEL P&L"}, rows))
			return nil
		},
	}
}

func leaderboardCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			var board []core.Standing
			if err := c.get(cmd.Context(), fmt.Sprintf("/api/v1/leaderboard?limit=%d", limit), &board); err != nil {
				return err
			}

			rows := make([][]string, 0, len(board))
			for _, s := range board {
				rows = append(rows, []string{fmt.Sprint(s.Rank), s.Name, fmt.Sprint(s.Balance), fmt.Sprint(s.IntelPnL), fmt.Sprint(s.Score)})
			}
			fmt.Println(renderTable("Leaderboard", []string{"#", "NAME", "BALANCE", "INTEL P&L", "SCORE"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to show")
	return cmd
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show key pool statistics (fingerprints only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			var stats keypool.Stats
			if err := c.get(cmd.Context(), "/api/v1/keys/stats", &stats); err != nil {
				return err
			}

			fmt.Println(renderSummary("Key pool", [][2]string{
				{"keys", fmt.Sprint(stats.Size)},
				{"cooling", fmt.Sprint(stats.Cooling)},
				{"owner keys", fmt.Sprint(stats.OwnerKeys)},
				{"fallback", fmt.Sprint(stats.HasFallback)},
				{"served", fmt.Sprint(stats.Served)},
				{"waited", fmt.Sprint(stats.Waited)},
				{"exhausted", fmt.Sprint(stats.Exhausted)},
			}))

			rows := make([][]string, 0, len(stats.Keys))
			for _, k := range stats.Keys {
				cooling := "-"
				if k.CoolingUntil != nil {
					cooling = k.CoolingUntil.Local().Format("15:04:05")
				}
				owner := string(k.Owner)
				if owner == "" {
					owner = "shared"
				}
				rows = append(rows, []string{k.Fingerprint, owner, fmt.Sprint(k.Uses), cooling})
			}
			fmt.Println(renderTable("Keys", []string{"FINGERPRINT", "OWNER", "USES", "COOLING UNTIL"}, rows))
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the trade ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			var res struct {
				ChainValid  bool   `json:"chain_valid"`
				TotalTrades int    `json:"total_trades"`
				Error       string `json:"error"`
			}
			if err := c.get(cmd.Context(), "/api/v1/trades/verify", &res); err != nil {
				return err
			}
			if !res.ChainValid {
				fmt.Println(styleBad.Render("✗ chain broken: " + res.Error))
				os.Exit(2)
			}
			fmt.Println(styleGood.Render(fmt.Sprintf("✓ chain valid (%d trades)", res.TotalTrades)))
			return nil
		},
	}
}

func ownerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage owners and their API keys",
	}

	var name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an owner with a sealed API key",
		Long: `Creates an owner record and stores their API key sealed with the
vault passphrase. The daemon picks the key up on its next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if name == "" {
				fmt.Print("Owner name: ")
				name, _ = stdin.ReadString('\n')
				name = strings.TrimSpace(name)
			}
			if name == "" {
				return fmt.Errorf("owner name is required")
			}

			passphrase := cfg.Vault.Passphrase
			if passphrase == "" {
				p, err := readSecret("Vault passphrase: ")
				if err != nil {
					return err
				}
				passphrase = p
			}
			key, err := readSecret("API key (hidden): ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("API key is required")
			}

			v, err := vault.New(passphrase, vault.DefaultParams)
			if err != nil {
				return err
			}
			sealed, err := v.SealString(key)
			if err != nil {
				return err
			}

			db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			owner := &core.Owner{Name: name}
			if err := storage.NewOwnerStore(db).Create(cmd.Context(), owner, sealed); err != nil {
				return err
			}
			fmt.Printf("✅ Owner %s created (key %s)\n", owner.ID, vault.Fingerprint(key))
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "owner display name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			owners, err := storage.NewOwnerStore(db).List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(owners))
			for _, o := range owners {
				rows = append(rows, []string{string(o.ID), o.Name, fmt.Sprint(o.HasKey), o.CreatedAt.Format("2006-01-02 15:04")})
			}
			fmt.Println(renderTable("Owners", []string{"ID", "NAME", "HAS KEY", "CREATED"}, rows))
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show qc version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qc %s\n", version)
		},
	}
}

// readSecret prompts without echo when stdin is a terminal
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		fmt.Println()
		return strings.TrimSpace(line), ignoreEOF(err)
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
