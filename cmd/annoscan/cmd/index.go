package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/abramin/annoscan/internal/classindex"
	"github.com/abramin/annoscan/internal/config"
	"github.com/abramin/annoscan/internal/source"
)

var (
	indexFormat string
	indexOut    string
)

var indexCmd = &cobra.Command{
	Use:   "index <dir|jar>",
	Short: "Write a precomputed class index for a directory or jar",
	Long: `Read every class of a directory or jar and write a class index.

Sources configured with use_index read the index instead of their class
files. The full format (JSON) keeps every member; the sparse format keeps
only annotated members and is enough for annotation queries.

For a directory the index is written inside it by default. A jar cannot be
rewritten, so --out is required; add the file to the jar under` + " " + classindex.FullPath + ` or ` + classindex.SparsePath + `.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, ok := classindex.ParseFormat(indexFormat)
		if !ok {
			return fmt.Errorf("unknown index format %q", indexFormat)
		}
		sc := config.SourceConfig{Path: args[0], Policy: "seed"}
		src, err := sc.NewSource()
		if err != nil {
			return err
		}

		out := indexOut
		if out == "" {
			if sc.KindOf() == config.KindJar {
				return fmt.Errorf("--out is required for jars")
			}
			out = filepath.Join(args[0], filepath.FromSlash(format.Path()))
		}

		start := time.Now()
		res, err := source.BuildIndex(cmd.Context(), src, format)
		if err != nil {
			return fmt.Errorf("indexing failed: %w", err)
		}
		if err := writeIndex(res.Index, out); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Index complete!\n")
		fmt.Fprintf(w, "  Format:   %s\n", format)
		fmt.Fprintf(w, "  Classes:  %d\n", res.Index.Len())
		if n := len(res.Corrupt) + len(res.Failed); n > 0 {
			fmt.Fprintf(w, "  Skipped:  %d (corrupt %d, unreadable %d)\n", n, len(res.Corrupt), len(res.Failed))
		}
		fmt.Fprintf(w, "  Duration: %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(w, "  Output:   %s\n", out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringVarP(&indexFormat, "format", "f", "full", "index format: full or sparse")
	indexCmd.Flags().StringVarP(&indexOut, "out", "o", "", "output file")
}

func writeIndex(ix *classindex.Index, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	if err := ix.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing index: %w", err)
	}
	return f.Close()
}
