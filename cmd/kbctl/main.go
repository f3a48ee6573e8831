// Command kbctl manages the HarmLens substance knowledge base.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harmlens/backend/internal/infrastructure/knowledgebase"
	"github.com/harmlens/backend/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:          "kbctl",
		Short:        "Manage the HarmLens substance knowledge base",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", knowledgebase.DefaultPath, "path to the SQLite database")

	root.AddCommand(
		newSeedCmd(&dbPath),
		newSearchCmd(&dbPath),
		newWarningsCmd(&dbPath),
		newStatsCmd(&dbPath),
		newFlaggedCmd(&dbPath),
	)
	return root
}

func newSeedCmd(dbPath *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML substance catalogue into the database",
		Long: `Load a YAML substance catalogue into the database.

Entries are upserted by canonical name, so re-running a seed updates
existing substances. Without --file the built-in catalogue is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := knowledgebase.LoadSeedFile(file)
			if err != nil {
				return err
			}

			// catch duplicate names before touching the database
			if _, err := usecase.NewKnowledgeBaseIndex(entries, nil); err != nil {
				return err
			}

			store, err := knowledgebase.NewStore(*dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.UpsertEntries(ctx, entries); err != nil {
				return err
			}
			total, err := store.Count(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d substances into %s (%d total)\n", len(entries), store.Path(), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML catalogue to load (default: built-in)")
	return cmd
}

func newSearchCmd(dbPath *string) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search substances by name, synonym or CAS number",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := knowledgebase.NewStore(*dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			entries, err := store.LoadEntries(ctx)
			if err != nil {
				return err
			}
			matcher := usecase.NewMatchingService(usecase.MatchConfig{SimilarityThreshold: threshold})
			kb, err := usecase.NewKnowledgeBaseIndex(entries, matcher)
			if err != nil {
				return err
			}

			results, err := kb.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "no matches")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCATEGORY\tSEVERITY\tCAS\tCLASS")
			for _, e := range results {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.CanonicalName, e.Category, e.SeverityDefault, e.CASNumber, e.ToxinClass)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", usecase.DefaultSimilarityThreshold, "fuzzy match threshold in (0,1]")
	return cmd
}

func newWarningsCmd(dbPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "warnings",
		Short: "Show recently rejected substance claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := knowledgebase.NewStore(*dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			warnings, err := store.RecentWarnings(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RECORDED\tCLAIM\tBEST\tSCORE\tREASON")
			for _, warning := range warnings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
					warning.RecordedAt.Format("2006-01-02 15:04"), warning.ClaimName,
					warning.BestCandidate, warning.BestScore, warning.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum warnings to show")
	return cmd
}

func newStatsCmd(dbPath *string) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise rejected claims over recent days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1, got %d", days)
			}

			store, err := knowledgebase.NewStore(*dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.WarningStats(cmd.Context(), time.Now().UTC().AddDate(0, 0, -days))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "last %d days: %d warnings, %d distinct claims, %d analyses\n",
				days, stats.TotalWarnings, stats.DistinctClaims, stats.AnalysesAffected)

			reasons := make([]string, 0, len(stats.ByReason))
			for reason := range stats.ByReason {
				reasons = append(reasons, reason)
			}
			sort.Strings(reasons)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, reason := range reasons {
				fmt.Fprintf(w, "  %s\t%d\n", reason, stats.ByReason[reason])
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "days to look back")
	return cmd
}

func newFlaggedCmd(dbPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "flagged",
		Short: "List the claim names rejected most often",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := knowledgebase.NewStore(*dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			flagged, err := store.FlaggedSubstances(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLAIM\tCOUNT\tBEST\tLAST SEEN")
			for _, f := range flagged {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					f.ClaimName, f.Occurrences, f.BestCandidate, f.LastSeen.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum substances to show")
	return cmd
}
