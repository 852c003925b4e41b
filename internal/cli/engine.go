// Package cli provides the engine integration for the strata CLI.
// This file contains the core initialization and command implementations.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stratafs/strata/internal/asset"
	"github.com/stratafs/strata/internal/backend/factory"
	"github.com/stratafs/strata/internal/config"
	"github.com/stratafs/strata/internal/logging"
	"github.com/stratafs/strata/internal/migrate"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/registry"
	"github.com/stratafs/strata/internal/scanner"
	"github.com/stratafs/strata/internal/syncer"
	"github.com/stratafs/strata/internal/version"
)

// Engine holds the strata core components.
type Engine struct {
	Registry *registry.Registry
	Scanner  *scanner.Scanner
	Migrator *migrate.Service
	Syncer   *syncer.Tracker
	Versions *version.Tracker
}

// Global engine instance
var engine *Engine

// InitEngine initializes the strata engine against the registry database.
func InitEngine() (*Engine, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger := logging.New(logging.Config{Level: level, JSON: jsonLog})

	reg, err := registry.Open(registryPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := reg.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	backends := factory.New()
	hasher := asset.SHA256Hasher{}
	extractor := asset.StatExtractor{}
	cache := asset.NopSearchCache{}

	versions := version.NewTracker(reg.DB())
	scan := scanner.New(reg, backends, hasher, cache, versions, logger)
	transfer := migrate.NewTransferrer(backends, hasher, logger)
	migrator := migrate.NewService(reg, backends, extractor, transfer, versions, logger)
	sync := syncer.NewTracker(reg, backends, hasher, transfer, versions, logger)

	return &Engine{
		Registry: reg,
		Scanner:  scan,
		Migrator: migrator,
		Syncer:   sync,
		Versions: versions,
	}, nil
}

// GetEngine returns the engine, initializing if needed.
func GetEngine() (*Engine, error) {
	if engine != nil {
		return engine, nil
	}

	var err error
	engine, err = InitEngine()
	return engine, err
}

// --- Command Implementations ---

// RunInit creates the registry database and schema.
func RunInit() error {
	if _, err := GetEngine(); err != nil {
		return err
	}
	fmt.Printf("Registry initialized at %s\n", registryPath())
	return nil
}

// RunAdd registers one storage location.
func RunAdd(name, typ, path string, priority int, rulesJSON, status string, cfg map[string]string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	var rules []model.StorageRule
	if rulesJSON != "" {
		if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
			return fmt.Errorf("invalid --rules: %w", err)
		}
	}

	loc := &model.StorageLocation{
		Name:     name,
		Type:     model.LocationType(typ),
		Path:     path,
		Priority: priority,
		Rules:    rules,
		Status:   model.LocationStatus(status),
		Config:   cfg,
	}

	registered, err := e.Registry.RegisterLocation(context.Background(), loc)
	if err != nil {
		return err
	}

	fmt.Printf("Registered %s (%s)\n", registered.Name, registered.Type)
	fmt.Printf("  id:       %s\n", registered.ID)
	fmt.Printf("  path:     %s\n", registered.Path)
	fmt.Printf("  priority: %d\n", registered.Priority)
	fmt.Printf("  rules:    %d\n", len(registered.Rules))
	return nil
}

// RunImport registers locations in bulk from a YAML manifest.
func RunImport(manifestPath string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	m, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	report, err := config.ImportLocations(context.Background(), e.Registry, m)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d location(s):\n", report.Imported)
	for _, name := range report.Locations {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

// RunList prints registered locations in priority order.
func RunList(status string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	locations, err := e.Registry.Locations(context.Background(), registry.Filter{
		Status: model.LocationStatus(status),
	})
	if err != nil {
		return err
	}
	if len(locations) == 0 {
		fmt.Println("No locations registered.")
		return nil
	}

	fmt.Printf("%-20s %-8s %-9s %4s %6s  %s\n", "NAME", "TYPE", "STATUS", "PRI", "RULES", "PATH")
	for _, loc := range locations {
		lastScan := "never"
		if loc.LastScan != nil {
			lastScan = humanize.Time(*loc.LastScan)
		}
		fmt.Printf("%-20s %-8s %-9s %4d %6d  %s  (scanned %s)\n",
			loc.Name, loc.Type, loc.Status, loc.Priority, len(loc.Rules), loc.Path, lastScan)
	}
	return nil
}

// RunScan force-scans one location by name or id.
func RunScan(nameOrID string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	loc, err := e.findLocation(ctx, nameOrID)
	if err != nil {
		return err
	}

	result, err := e.Scanner.ScanOne(ctx, loc.ID, scanProgress)
	if err != nil {
		return err
	}
	fmt.Println()
	printScanResult(result)
	return nil
}

// RunDiscover scans every active location.
func RunDiscover(force bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	result, err := e.Scanner.DiscoverAll(context.Background(), force, scanProgress)
	if err != nil {
		return err
	}
	fmt.Println()
	printScanResult(result)
	return nil
}

func scanProgress(locationName string, filesSeen int) {
	fmt.Printf("\r  %s: %d files", locationName, filesSeen)
}

func printScanResult(r *scanner.Result) {
	fmt.Printf("Scanned %d location(s), skipped %d (fresh)\n", r.LocationsScanned, r.LocationsSkipped)
	fmt.Printf("  files found:   %d\n", r.TotalFilesFound)
	fmt.Printf("  new files:     %d\n", r.NewFilesDiscovered)
	fmt.Printf("  gone missing:  %d\n", r.FilesMissing)
	fmt.Printf("  projects:      %d\n", r.ProjectsFound)
	for _, scanErr := range r.Errors {
		fmt.Printf("  ERROR %s: %s\n", scanErr.LocationName, scanErr.Message)
	}
}

// RunMigrate analyzes placements and executes the plan.
func RunMigrate(dryRun, move bool, concurrency int) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	plans, err := e.Migrator.AnalyzeMigrations(ctx, nil)
	if err != nil {
		return err
	}

	planCount := 0
	for hash, planList := range plans {
		for _, plan := range planList {
			planCount++
			fmt.Printf("%s\n", shortHash(hash))
			fmt.Printf("  -> %s (%s)\n", plan.Target.Name, plan.Target.Type)
			fmt.Printf("     %s\n", plan.Reason)
		}
	}
	if planCount == 0 {
		fmt.Println("Everything is where it belongs.")
		return nil
	}

	if dryRun {
		fmt.Printf("\n%d migration(s) planned (dry run, nothing transferred)\n", planCount)
		return nil
	}

	verb := "copy"
	if move {
		verb = "move"
	}
	fmt.Printf("\nExecuting %d %s migration(s)...\n", planCount, verb)

	result, err := e.Migrator.ExecuteMigrations(ctx, plans, move, concurrency, migrateProgress)
	if err != nil {
		return err
	}

	fmt.Printf("\nMigrated %d file(s), %s transferred, %d failed\n",
		result.FilesMigrated, humanize.Bytes(uint64(result.BytesTransferred)), result.FilesFailed)
	for _, migErr := range result.Errors {
		fmt.Printf("  ERROR %s: %s\n", shortHash(migErr.ContentHash), migErr.Message)
	}
	return nil
}

func migrateProgress(contentHash string, state model.MigrationState) {
	fmt.Printf("  %s %s\n", shortHash(contentHash), state)
}

// RunWatch runs migration on an interval until interrupted.
func RunWatch(interval time.Duration, move bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: "info", JSON: jsonLog})
	sched := migrate.NewScheduler(e.Migrator, logger)
	if !sched.Start(interval, move) {
		return fmt.Errorf("scheduler already running")
	}

	fmt.Printf("Watching (interval %s). Ctrl-C to stop.\n", interval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("\nStopping after current iteration...")
	sched.Stop()
	fmt.Println("Stopped.")
	return nil
}

// RunSyncStatus checks one file, or scans everything for conflicts.
func RunSyncStatus(contentHash string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if contentHash != "" {
		report, err := e.Syncer.CheckSyncStatus(ctx, contentHash)
		if err != nil {
			return err
		}
		printSyncReport(report)
		return nil
	}

	conflicts, err := e.Syncer.DetectConflicts(ctx, func(hash string, done, total int) {
		fmt.Printf("\r  checking %d/%d", done, total)
	})
	if err != nil {
		return err
	}
	fmt.Println()

	if len(conflicts) == 0 {
		fmt.Println("No conflicts detected.")
		return nil
	}
	fmt.Printf("%d conflict(s) detected:\n", len(conflicts))
	for _, report := range conflicts {
		fmt.Println()
		printSyncReport(report)
	}
	return nil
}

func printSyncReport(r *model.SyncReport) {
	fmt.Printf("%s: %s (%d version entries)\n", shortHash(r.ContentHash), r.Status, r.VersionCount)
	for _, rec := range r.Locations {
		digest := r.Digests[rec.LocationID]
		if digest == "" {
			digest = "(unverified)"
		} else {
			digest = shortHash(digest)
		}
		fmt.Printf("  %-20s %-15s %10s  digest %s\n",
			rec.LocationName, rec.SyncStatus, humanize.Bytes(uint64(rec.FileSize)), digest)
	}
}

// RunResolveConflict applies a resolution strategy to one file.
func RunResolveConflict(contentHash, strategy string, apply bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	strat := model.ResolutionStrategy(strategy)
	switch strat {
	case model.StrategyNewestWins, model.StrategyLargestWins, model.StrategyPrimaryWins, model.StrategyManual:
	default:
		return fmt.Errorf("unknown strategy %q (want newest, largest, primary, or manual)", strategy)
	}

	res, err := e.Syncer.ResolveConflict(ctx, contentHash, strat)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", shortHash(res.ContentHash), res.Reason)
	if !res.Resolved {
		for _, opt := range res.Options {
			fmt.Printf("  candidate %-20s %10s  verified %s\n",
				opt.LocationName, humanize.Bytes(uint64(opt.FileSize)), humanize.Time(opt.LastVerified))
		}
		return nil
	}
	if len(res.Actions) == 0 {
		return nil
	}

	fmt.Printf("  %d corrective cop%s required\n", len(res.Actions), pluralY(len(res.Actions)))
	if !apply {
		fmt.Println("  (decision only; re-run with --apply to execute)")
		return nil
	}

	result, err := e.Syncer.ApplyResolution(ctx, res, 0)
	if err != nil {
		return err
	}
	fmt.Printf("  applied: %d converged, %d failed\n", result.Processed, result.Failed)
	for _, syncErr := range result.Errors {
		fmt.Printf("  ERROR %s: %s\n", shortHash(syncErr.ContentHash), syncErr.Message)
	}
	return nil
}

// RunSyncProcess drains the pending sync queue.
func RunSyncProcess(concurrency int) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	queue, err := e.Syncer.SyncQueue(ctx)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		fmt.Println("Sync queue is empty.")
		return nil
	}
	fmt.Printf("Processing %d queued transfer(s)...\n", len(queue))

	result, err := e.Syncer.ProcessSyncQueue(ctx, concurrency, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Done: %d transferred, %d failed\n", result.Processed, result.Failed)
	for _, syncErr := range result.Errors {
		fmt.Printf("  ERROR %s: %s\n", shortHash(syncErr.ContentHash), syncErr.Message)
	}
	return nil
}

// RunHistory prints the version history of one file.
func RunHistory(contentHash string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	entries, err := e.Versions.VersionHistory(context.Background(), contentHash)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No history recorded.")
		return nil
	}

	for _, entry := range entries {
		fmt.Printf("#%d  %s  %s\n", entry.ID, entry.RecordedAt.Format(time.RFC3339), entry.FilePath)
		fmt.Printf("     location %s, %s, age %dd\n",
			entry.LocationID, humanize.Bytes(uint64(entry.Metadata.FileSizeBytes)), entry.Metadata.AgeDays)
	}
	return nil
}

// RunStats prints registry-wide statistics.
func RunStats() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	stats, err := e.Registry.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Locations:      %d (%d active)\n", stats.TotalLocations, stats.ActiveLocations)
	fmt.Printf("Unique files:   %d\n", stats.UniqueFiles)
	fmt.Printf("File instances: %d\n", stats.FileInstances)
	fmt.Printf("Multi-copy:     %d\n", stats.MultiCopyFiles)
	fmt.Printf("Pending syncs:  %d\n", stats.PendingSyncs)
	if len(stats.PerLocation) > 0 {
		fmt.Println("\nPer location:")
		for _, ls := range stats.PerLocation {
			fmt.Printf("  %-20s %6d files  %10s\n", ls.Name, ls.FileCount, humanize.Bytes(uint64(ls.TotalBytes)))
		}
	}
	return nil
}

// findLocation resolves a location by id first, then by unique name.
func (e *Engine) findLocation(ctx context.Context, nameOrID string) (*model.StorageLocation, error) {
	if loc, err := e.Registry.LocationByID(ctx, nameOrID); err == nil {
		return loc, nil
	}

	locations, err := e.Registry.Locations(ctx, registry.Filter{})
	if err != nil {
		return nil, err
	}
	for _, loc := range locations {
		if loc.Name == nameOrID {
			return loc, nil
		}
	}
	return nil, fmt.Errorf("no location named %q", nameOrID)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
