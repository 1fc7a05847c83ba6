package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abramin/annoscan/internal/index"
	"github.com/abramin/annoscan/internal/source"
)

var (
	scanExport      string
	scanReferenced  bool
	scanLimited     bool
	scanClasses     []string
	scanAnnotations []string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the configured sources and print a summary",
	Long: `Scan every configured class source and report what was indexed.

The scan command:
- Scans seed, partial and excluded sources concurrently
- Resolves referenced classes against external sources (--referenced)
- Reuses cached results for unchanged sources
- Optionally exports the full index as JSON (--export)

--limited merges every internal class as seed and skips external sources.
--classes scans only the named classes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if len(cfg.Sources) == 0 {
			return fmt.Errorf("no sources configured")
		}
		idx, closer, err := cfg.NewIndex(GetLogger())
		if err != nil {
			return err
		}
		defer closer.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Scanning %s (%d sources)\n", idx.Name(), len(cfg.Sources))
		start := time.Now()
		ctx := cmd.Context()
		switch {
		case scanLimited:
			err = idx.ScanLimited(ctx)
		case len(scanClasses) > 0:
			err = idx.ScanSpecific(ctx, scanClasses, nilIfEmpty(scanAnnotations))
		case scanReferenced || scanExport != "":
			err = idx.ScanReferenced(ctx)
		default:
			err = idx.ScanDirect(ctx)
		}
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		elapsed := time.Since(start)

		if idx.State() < index.StateReferencedScanned {
			printDirectSummary(out, idx)
			fmt.Fprintf(out, "  Duration:   %s\n", elapsed.Round(time.Millisecond))
			return nil
		}

		rep := idx.Report()
		printSummary(out, rep)
		fmt.Fprintf(out, "  Duration:   %s\n", elapsed.Round(time.Millisecond))

		if scanExport != "" {
			if err := rep.WriteFile(scanExport); err != nil {
				return err
			}
			fmt.Fprintf(out, "  Exported:   %s\n", scanExport)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&scanExport, "export", "o", "", "write the index report to this JSON file")
	scanCmd.Flags().BoolVar(&scanReferenced, "referenced", true, "resolve referenced classes against external sources")
	scanCmd.Flags().BoolVar(&scanLimited, "limited", false, "merge every internal class as seed and skip external sources")
	scanCmd.Flags().StringSliceVar(&scanClasses, "classes", nil, "scan only these classes")
	scanCmd.Flags().StringSliceVar(&scanAnnotations, "annotations", nil, "with --classes, record only these annotations")
	scanCmd.MarkFlagsMutuallyExclusive("limited", "classes")
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func printDirectSummary(w io.Writer, idx *index.Targets) {
	fmt.Fprintf(w, "\nDirect scan complete!\n")
	for _, p := range source.Policies {
		if p == source.External {
			continue
		}
		fmt.Fprintf(w, "  %-10s  %d classes\n", p.String()+":", len(idx.ClassNames(p)))
	}
}

func printSummary(w io.Writer, rep *index.Report) {
	fmt.Fprintf(w, "\nScan complete!\n")
	fmt.Fprintf(w, "  Module:     %s (%s)\n", rep.Module, rep.State)
	for _, p := range source.Policies {
		pr, ok := rep.Policies[p.String()]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-10s  %d classes, %d packages, %d annotation targets\n",
			p.String()+":", len(pr.Classes), len(pr.Packages), len(pr.Annotations))
	}
	fmt.Fprintf(w, "  Resolved:   %d\n", len(rep.Resolved))
	fmt.Fprintf(w, "  Unresolved: %d\n", len(rep.Unresolved))
	if failures := rep.Stats.Failures(); failures > 0 {
		fmt.Fprintf(w, "  Skipped:    %d (duplicates %d, mismatches %d, corrupt %d, unreadable %d)\n",
			failures, rep.Stats.Duplicates, rep.Stats.Mismatches, rep.Stats.Corrupt, rep.Stats.Unreadable)
	}
	for _, s := range rep.Sources {
		if s.Masked {
			fmt.Fprintf(w, "  Masked:     %s\n", s.Name)
		}
	}

	if c := rep.Cache; c != nil && len(c.Checks) > 0 {
		counts := make(map[string]int)
		for _, check := range c.Checks {
			counts[check.Outcome]++
		}
		var parts []string
		for _, k := range []string{"valid", "invalid", "forced", "miss"} {
			if counts[k] > 0 {
				parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
			}
		}
		fmt.Fprintf(w, "  Cache:      %s\n", strings.Join(parts, ", "))
		fmt.Fprintf(w, "  Cache I/O:  %d reads in %s, %d writes in %s\n",
			c.Reads, c.ReadTime, c.Writes, c.WriteTime)
	}
	if rep.Error != "" {
		fmt.Fprintf(w, "  Error:      %s\n", rep.Error)
	}
}
