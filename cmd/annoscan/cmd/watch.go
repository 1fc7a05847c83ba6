package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abramin/annoscan/internal/config"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
	"github.com/abramin/annoscan/internal/watch"
)

var watchAnnotations []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-scan classes as they change",
	Long: `Watch the configured directory sources and re-scan changed classes.

Each settled batch of class file changes is scanned with a specific scan
over the configured classpath, so the first source holding a class still
wins. The annotations of every changed class are printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		var roots []watch.Root
		for _, sc := range cfg.Sources {
			if sc.KindOf() == config.KindDir {
				roots = append(roots, watch.Root{Source: sc.DisplayName(), Path: sc.Path})
			}
		}
		if len(roots) == 0 {
			return fmt.Errorf("no directory sources to watch")
		}

		w, err := watch.New(roots, watch.DefaultDebounce, GetLogger())
		if err != nil {
			return err
		}
		defer w.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watching %d directories of %s\n", len(roots), cfg.ModuleName())
		return w.Run(cmd.Context(), func(ctx context.Context, b watch.Batch) error {
			return rescan(ctx, out, cfg, b)
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchAnnotations, "annotations", nil, "record only these annotations")
}

// rescan runs a specific scan of the changed classes. Scan failures are
// printed, not returned, so the watcher keeps running.
func rescan(ctx context.Context, w io.Writer, cfg *config.Config, b watch.Batch) error {
	for _, name := range b.Removed {
		fmt.Fprintf(w, "- %s\n", name)
	}
	if len(b.Changed) == 0 {
		return nil
	}

	specific := *cfg
	specific.Cache.Disabled = true
	idx, closer, err := specific.NewIndex(GetLogger())
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := idx.ScanSpecific(ctx, b.Changed, nilIfEmpty(watchAnnotations)); err != nil {
		fmt.Fprintf(w, "! scan failed: %v\n", err)
		return nil
	}
	for _, name := range b.Changed {
		src := idx.ClassSourceName(name)
		if src == "" {
			fmt.Fprintf(w, "~ %s (shadowed or unreadable)\n", name)
			continue
		}
		fmt.Fprintf(w, "~ %s [%s]\n", name, src)
		for _, cat := range []targets.Category{targets.Class, targets.Field, targets.Method} {
			annos := idx.Annotations(cat, name, source.All)
			if len(annos) > 0 {
				fmt.Fprintf(w, "    %s: %s\n", cat, strings.Join(annos, ", "))
			}
		}
	}
	return nil
}
