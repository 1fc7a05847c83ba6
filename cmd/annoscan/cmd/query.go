package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abramin/annoscan/internal/index"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

var (
	queryPolicies  string
	queryCategory  string
	queryInterface bool
	queryJSON      bool
)

// queryArgs is what a query kind receives after flag parsing.
type queryArgs struct {
	args []string
	mask source.Policy
	cat  targets.Category
}

type queryKind struct {
	args   int
	usage  string
	mask   source.Policy
	answer func(idx *index.Targets, q queryArgs) (any, error)
}

func list(f func(idx *index.Targets, q queryArgs) []string) func(*index.Targets, queryArgs) (any, error) {
	return func(idx *index.Targets, q queryArgs) (any, error) { return f(idx, q), nil }
}

var queryKinds = map[string]queryKind{
	"classes": {0, "classes in the selected policies", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.ClassNames(q.mask) })},
	"sources": {0, "class sources in classpath order", source.All,
		list(func(idx *index.Targets, _ queryArgs) []string { return idx.ClassSourceNames() })},
	"source-classes": {1, "<source>: classes taken from a source", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.ClassSourceClassNames(q.args[0]) })},
	"source-of": {1, "<class>: the source a class was taken from", source.All,
		func(idx *index.Targets, q queryArgs) (any, error) { return idx.ClassSourceName(q.args[0]), nil }},
	"annotated": {1, "<annotation>: targets of --category carrying an annotation", source.Seed,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.AnnotatedTargets(q.cat, q.args[0], q.mask) })},
	"annotated-in": {2, "<source> <annotation>: classes of one source carrying an annotation", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.AnnotatedClassesIn(q.args[0], q.args[1]) })},
	"all-annotated": {0, "every annotated target of --category", source.Seed,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.AllAnnotatedTargets(q.cat, q.mask) })},
	"annotations": {1, "<target>: annotations of a target of --category", source.Seed,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.Annotations(q.cat, q.args[0], q.mask) })},
	"all-annotations": {0, "every annotation used on --category", source.Seed,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.AllAnnotations(q.cat, q.mask) })},
	"inherited": {1, "<annotation>: annotated classes and their subclasses", source.Seed,
		list(func(idx *index.Targets, q queryArgs) []string {
			return idx.AllInheritedAnnotatedClasses(q.args[0], q.mask, q.mask)
		})},
	"fields": {1, "<class>: annotated fields of a class", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.AnnotatedFields(q.args[0]) })},
	"methods": {1, "<class>: annotated methods of a class", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.AnnotatedMethods(q.args[0]) })},
	"superclass": {1, "<class>: declared superclass", source.All,
		func(idx *index.Targets, q queryArgs) (any, error) { return idx.SuperclassName(q.args[0]), nil }},
	"interfaces": {1, "<class>: declared interfaces", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.InterfaceNames(q.args[0]) })},
	"subclasses": {1, "<class>: transitive subclasses", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.SubclassNames(q.args[0]) })},
	"implementors": {1, "<interface>: classes and interfaces reaching an interface", source.All,
		list(func(idx *index.Targets, q queryArgs) []string { return idx.AllImplementorsOf(q.args[0]) })},
	"instanceof": {2, "<candidate> <target>: instance check, --interface for interface targets", source.All,
		func(idx *index.Targets, q queryArgs) (any, error) {
			ok, err := idx.IsInstanceOf(q.args[0], q.args[1], queryInterface)
			if err != nil {
				return nil, err
			}
			return ok, nil
		}},
	"modifiers": {1, "<class>: access flags", source.All,
		func(idx *index.Targets, q queryArgs) (any, error) {
			mods, ok := idx.Modifiers(q.args[0])
			if !ok {
				return nil, fmt.Errorf("class %s not found", q.args[0])
			}
			return map[string]any{
				"flags":     "0x" + strconv.FormatUint(uint64(mods), 16),
				"abstract":  idx.IsAbstract(q.args[0]),
				"interface": idx.IsInterface(q.args[0]),
			}, nil
		}},
	"resolved": {0, "referenced classes found in external sources", source.All,
		list(func(idx *index.Targets, _ queryArgs) []string { return idx.ResolvedClassNames() })},
	"unresolved": {0, "referenced classes no source holds", source.All,
		list(func(idx *index.Targets, _ queryArgs) []string { return idx.UnresolvedClassNames() })},
}

var queryCmd = &cobra.Command{
	Use:   "query <kind> [args]",
	Short: "Answer one index query",
	Long:  "Scan as far as the query needs and print the answer.\n\nKinds:\n" + queryKindHelp(),
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := queryKinds[args[0]]
		if !ok {
			return fmt.Errorf("unknown query kind %q", args[0])
		}
		if len(args)-1 != kind.args {
			return fmt.Errorf("query %s takes %d argument(s), got %d", args[0], kind.args, len(args)-1)
		}

		q := queryArgs{args: args[1:], mask: kind.mask}
		var err error
		if queryPolicies != "" {
			if q.mask, err = source.ParseMask(queryPolicies); err != nil {
				return err
			}
		}
		if q.cat, err = targets.ParseCategory(queryCategory); err != nil {
			return err
		}

		idx, closer, err := GetConfig().NewIndex(GetLogger())
		if err != nil {
			return err
		}
		defer closer.Close()

		answer, err := kind.answer(idx, q)
		if err != nil {
			return err
		}
		if err := idx.Err(); err != nil {
			GetLogger().Warn("answer may be incomplete", slog.Any("error", err))
		}
		return printAnswer(cmd.OutOrStdout(), answer)
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryPolicies, "policies", "p", "", "comma separated policies: seed, partial, excluded, external, all")
	queryCmd.Flags().StringVarP(&queryCategory, "category", "c", "class", "annotation target category: package, class, field, method")
	queryCmd.Flags().BoolVar(&queryInterface, "interface", false, "treat the instanceof target as an interface")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the answer as JSON")
}

func queryKindHelp() string {
	names := make([]string, 0, len(queryKinds))
	for name := range queryKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  %-16s %s\n", name, queryKinds[name].usage)
	}
	return b.String()
}

func printAnswer(w io.Writer, answer any) error {
	if queryJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}
	switch v := answer.(type) {
	case []string:
		for _, s := range v {
			fmt.Fprintln(w, s)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s: %v\n", k, v[k])
		}
	default:
		fmt.Fprintln(w, v)
	}
	return nil
}
