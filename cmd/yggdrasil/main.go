// Package main provides the Yggdrasil CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/yggdrasil/pkg/analyzer"
	"github.com/orneryd/yggdrasil/pkg/config"
	"github.com/orneryd/yggdrasil/pkg/cycles"
	"github.com/orneryd/yggdrasil/pkg/inference"
	"github.com/orneryd/yggdrasil/pkg/yggdrasil"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "yggdrasil",
		Short: "Yggdrasil - Code-Dependency Graph Engine",
		Long: `Yggdrasil builds and maintains a persistent, typed dependency graph
over parsed source files: files, classes, methods and libraries as
nodes, imports and calls as edges, with hierarchical, transitive and
inheritable inference on top.

Feed it parser output with "analyze", then interrogate the graph with
"query", "cycles" and "stats".`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env vars still win)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Yggdrasil v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new graph database",
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	analyzeCmd := &cobra.Command{
		Use:   "analyze <parse-output.json>",
		Short: "Analyze parsed files into the graph",
		Long: `Analyze reads a JSON array of per-file parse outputs (filePath,
language, imports) and feeds each file through the dependency analyzer.
Files that fail are skipped and reported; the rest of the batch
continues.`,
		Args: cobra.ExactArgs(1),
		RunE: runAnalyze,
	}
	analyzeCmd.Flags().Bool("resolve-unknowns", false, "run the unknown resolver after analysis")
	analyzeCmd.Flags().Bool("sync-cache", false, "force inference-cache materialization afterwards")
	rootCmd.AddCommand(analyzeCmd)

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query inferred relationships",
		RunE:  runQuery,
	}
	queryCmd.Flags().String("from", "", "canonical identifier of the start node")
	queryCmd.Flags().String("type", "depends_on", "edge type to query")
	queryCmd.Flags().Bool("transitive", false, "compute the transitive closure")
	queryCmd.Flags().Bool("children", true, "include child edge types (hierarchical)")
	queryCmd.Flags().Int("max-depth", 10, "path length bound")
	rootCmd.AddCommand(queryCmd)

	cyclesCmd := &cobra.Command{
		Use:   "cycles",
		Short: "Detect circular dependencies",
		RunE:  runCycles,
	}
	cyclesCmd.Flags().Int("max-cycles", cycles.DefaultMaxCycles, "stop after this many cycles")
	cyclesCmd.Flags().Int("max-depth", cycles.DefaultMaxDepth, "DFS depth bound")
	cyclesCmd.Flags().Duration("timeout", 30*time.Second, "wall-clock bound")
	cyclesCmd.Flags().StringSlice("edge-types", nil, "restrict to these edge types")
	rootCmd.AddCommand(cyclesCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print graph statistics",
		RunE:  runStats,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.LoadFromEnv(), nil
}

func openDB() (*yggdrasil.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return yggdrasil.Open(cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runInit(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Statistics(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Initialized graph database (%d nodes, %d edges)\n", stats.Nodes, stats.Edges)
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var inputs []analyzer.FileInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	batch, err := db.AnalyzeAll(ctx, inputs)
	if err != nil {
		return err
	}

	fmt.Printf("Analyzed %d/%d files: %d nodes, %d edges, %d missing links\n",
		batch.Succeeded, batch.Files, batch.Nodes, batch.Edges, batch.MissingLinks)
	for _, failure := range batch.Failures {
		fmt.Printf("  skipped %s: %s\n", failure.FilePath, failure.Error)
	}

	if ok, _ := cmd.Flags().GetBool("resolve-unknowns"); ok {
		result, err := db.ResolveUnknowns(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Resolved %d/%d unknown nodes (%.0f%%)\n",
			result.Stats.ResolvedCount, result.Stats.TotalUnknown,
			result.Stats.SuccessRate*100)
	}

	if ok, _ := cmd.Flags().GetBool("sync-cache"); ok {
		if err := db.SyncCache(ctx, true); err != nil {
			return err
		}
		fmt.Println("Inference cache synchronized")
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	edgeType, _ := cmd.Flags().GetString("type")
	transitive, _ := cmd.Flags().GetBool("transitive")
	children, _ := cmd.Flags().GetBool("children")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var rels []*inference.InferredRelationship
	if transitive {
		if from == "" {
			return fmt.Errorf("--from is required for transitive queries")
		}
		node, err := db.Store().GetNodeByIdentifier(ctx, from)
		if err != nil {
			return fmt.Errorf("start node %q: %w", from, err)
		}
		rels, err = db.QueryTransitive(ctx, node.ID, edgeType, inference.TransitiveOptions{
			MaxPathLength: maxDepth,
			DetectCycles:  true,
		})
		if err != nil {
			return err
		}
	} else {
		rels, err = db.QueryHierarchical(ctx, edgeType, inference.HierarchicalOptions{
			IncludeChildren: children,
			MaxDepth:        maxDepth,
		})
		if err != nil {
			return err
		}
	}

	for _, rel := range rels {
		fmt.Printf("%d -> %d  %s  depth=%d  (%s)\n",
			rel.FromNodeID, rel.ToNodeID, rel.Type,
			rel.Path.Depth, rel.Path.Description)
	}
	fmt.Printf("%d inferred relationships\n", len(rels))
	return nil
}

func runCycles(cmd *cobra.Command, args []string) error {
	maxCycles, _ := cmd.Flags().GetInt("max-cycles")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	edgeTypes, _ := cmd.Flags().GetStringSlice("edge-types")

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := db.DetectCycles(ctx, cycles.Options{
		MaxCycles: maxCycles,
		MaxDepth:  maxDepth,
		Timeout:   timeout,
		EdgeTypes: edgeTypes,
	})
	if err != nil {
		return err
	}

	for i, cycle := range result.Cycles {
		fmt.Printf("Cycle %d (depth %d, weight %.0f):\n", i+1, cycle.Depth, cycle.Weight)
		for _, identifier := range cycle.Identifiers {
			fmt.Printf("  %s\n", identifier)
		}
	}
	fmt.Printf("%d cycles", len(result.Cycles))
	if result.Truncated {
		fmt.Print(" (truncated)")
	}
	fmt.Printf(" in %s, %d nodes visited\n", result.Elapsed.Round(time.Millisecond), result.NodesVisited)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Statistics(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Nodes: %d\n", stats.Nodes)
	printCounts(stats.NodesByType)
	fmt.Printf("Edges: %d\n", stats.Edges)
	printCounts(stats.EdgesByType)
	fmt.Printf("Inference cache rows: %d\n", stats.CacheEntries)
	return nil
}

func printCounts(counts map[string]int64) {
	for _, name := range sortedKeys(counts) {
		fmt.Printf("  %-20s %d\n", name, counts[name])
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
