// Package cli implements the strata command-line interface.
// Built with cobra. Operational rules:
// - Registry metadata is the source of truth; scans reconcile it
// - Destructive placement changes (moves) are opt-in via --move
// - Batch commands report partial failure instead of aborting
package cli

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	jsonLog bool
	dbPath  string
)

// rootCmd is the base command for strata.
var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Policy-driven storage tiering and sync orchestrator",
	Long: `Strata tracks files by content hash across many storage locations and
keeps them where declarative tiering rules say they belong.

It provides:
  • Content-addressed registry (SQLite) of locations and file placements
  • Declarative tiering rules evaluated in priority order
  • Multi-backend discovery scans (local, network, S3, rclone remotes)
  • Verified copy/move migration with bounded concurrency
  • Cross-location conflict detection by re-hashing live bytes

Atomic unit: (content hash, location) record`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Registry database path (default ~/.strata/registry.db)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(syncProcessCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
}

// registryPath returns the database path, honoring --db.
func registryPath() string {
	if dbPath != "" {
		return dbPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".strata", "registry.db")
	}
	return filepath.Join(home, ".strata", "registry.db")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the registry database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunInit()
	},
}

var addCmd = &cobra.Command{
	Use:   "add <name> <type> <path>",
	Short: "Register a storage location",
	Long: `Register a storage location.

Types: local, network, s3, rclone.
Rules are given as a JSON array of predicate objects; all populated
fields of a rule must hold, and all rules must hold.

Example:
  strata add nas network /mnt/nas --priority 50 \
    --rules '[{"min_age_days":30}]'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		rulesJSON, _ := cmd.Flags().GetString("rules")
		status, _ := cmd.Flags().GetString("status")
		config, _ := cmd.Flags().GetStringToString("config")
		return RunAdd(args[0], args[1], args[2], priority, rulesJSON, status, config)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Register locations in bulk from a YAML manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunImport(args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return RunList(status)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <location>",
	Short: "Scan one location by name or id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunScan(args[0])
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan every active location for new and missing files",
	Long: `Scan every active location.

Locations scanned within the freshness window are skipped unless
--force is given. Per-location failures are reported and never abort
the run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return RunDiscover(force)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Analyze placements and migrate out-of-place files",
	Long: `Compare every tracked file's placement against the tiering rules and
transfer the out-of-place ones.

Default behavior copies; --move deletes the source only after the
verified copy. --dry-run prints the plan without transferring.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dry, _ := cmd.Flags().GetBool("dry-run")
		move, _ := cmd.Flags().GetBool("move")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		return RunMigrate(dry, move, concurrency)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run migration continuously on an interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		move, _ := cmd.Flags().GetBool("move")
		return RunWatch(interval, move)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "sync-status [content-hash]",
	Short: "Check cross-location agreement",
	Long: `Re-hash the live bytes at every location holding a file and compare.

With a content hash, checks that one file. Without, scans every known
file and reports conflicts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash := ""
		if len(args) > 0 {
			hash = args[0]
		}
		return RunSyncStatus(hash)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve-conflict <content-hash>",
	Short: "Resolve a cross-location conflict",
	Long: `Pick an authoritative copy for a conflicted file.

Strategies:
  newest   copy with the most recent verification wins
  largest  biggest copy wins
  primary  copy at the highest-priority location wins
  manual   print the candidates and decide nothing

Without --apply the decision is printed only; with --apply the
winner's bytes are copied over every divergent location.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		apply, _ := cmd.Flags().GetBool("apply")
		return RunResolveConflict(args[0], strategy, apply)
	},
}

var syncProcessCmd = &cobra.Command{
	Use:   "sync-process",
	Short: "Drain the pending sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		return RunSyncProcess(concurrency)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <content-hash>",
	Short: "Show the version history of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHistory(args[0])
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry-wide statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStats()
	},
}

func init() {
	addCmd.Flags().Int("priority", 0, "Placement priority (higher evaluated first)")
	addCmd.Flags().String("rules", "", "Tiering rules as a JSON array")
	addCmd.Flags().String("status", "active", "Location status (active, archived, offline)")
	addCmd.Flags().StringToString("config", nil, "Backend config entries (key=value)")

	listCmd.Flags().String("status", "", "Filter by status")

	discoverCmd.Flags().Bool("force", false, "Scan even recently scanned locations")

	migrateCmd.Flags().Bool("dry-run", false, "Print the plan without transferring")
	migrateCmd.Flags().Bool("move", false, "Delete source copies after verified transfer")
	migrateCmd.Flags().Int("concurrency", 0, "Max simultaneous transfers (default 5)")

	watchCmd.Flags().Duration("interval", 30*time.Minute, "Time between migration runs")
	watchCmd.Flags().Bool("move", false, "Delete source copies after verified transfer")

	resolveCmd.Flags().String("strategy", "manual", "Resolution strategy (newest, largest, primary, manual)")
	resolveCmd.Flags().Bool("apply", false, "Execute the corrective copies")

	syncProcessCmd.Flags().Int("concurrency", 0, "Max simultaneous transfers (default 5)")
}
