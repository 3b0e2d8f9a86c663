package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openbase-hq/openbase/internal/schema"
	"github.com/openbase-hq/openbase/internal/source"
)

var rowsCmd = &cobra.Command{
	Use:   "rows",
	Short: "Query and modify rows through a source's reconciled schema",
}

var rowsFetchCmd = &cobra.Command{
	Use:   "fetch <source> <table>",
	Short: "Fetch rows, resolving foreign keys into {id, display} pairs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		db, err := mgr.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		table, err := db.Table(args[1])
		if err != nil {
			return err
		}

		opts := source.FetchOptions{Limit: rowsFlags.limit, Offset: rowsFlags.offset}
		if opts.Columns, err = resolveColumns(table, rowsFlags.columns); err != nil {
			return err
		}
		if opts.Filters, err = parseFilters(table, rowsFlags.filters); err != nil {
			return err
		}
		if opts.Ordering, err = parseOrdering(table, rowsFlags.order); err != nil {
			return err
		}

		rows, err := db.Fetch(cmd.Context(), table, opts)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var rowsCountCmd = &cobra.Command{
	Use:   "count <source> <table>",
	Short: "Count rows in a table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		db, err := mgr.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		table, err := db.Table(args[1])
		if err != nil {
			return err
		}
		filters, err := parseFilters(table, rowsFlags.filters)
		if err != nil {
			return err
		}

		n, err := db.Count(cmd.Context(), table, filters...)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var rowsInsertCmd = &cobra.Command{
	Use:   "insert <source> <table>",
	Short: "Insert one row (every non-primary-key column must be set)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		db, err := mgr.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		table, err := db.Table(args[1])
		if err != nil {
			return err
		}

		values := make(map[string]any, len(rowsFlags.set))
		for _, pair := range rowsFlags.set {
			key, value, found := strings.Cut(pair, "=")
			if !found {
				return fmt.Errorf("invalid --set %q, want column=value", pair)
			}
			values[key] = value
		}
		if err := db.Insert(cmd.Context(), table, values); err != nil {
			return err
		}
		color.Green("✓ Inserted into %s", args[1])
		return nil
	},
}

var rowsDeleteCmd = &cobra.Command{
	Use:   "rm <source> <table> <id>",
	Short: "Delete one row by primary key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		db, err := mgr.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		table, err := db.Table(args[1])
		if err != nil {
			return err
		}
		if err := db.Delete(cmd.Context(), table, args[2]); err != nil {
			return err
		}
		color.Green("✓ Deleted %s from %s", args[2], args[1])
		return nil
	},
}

var rowsFlags struct {
	columns []string
	filters []string
	order   []string
	set     []string
	limit   int
	offset  int
}

func resolveColumns(table *schema.Table, names []string) ([]*schema.Column, error) {
	if len(names) == 0 {
		return nil, nil
	}
	cols := make([]*schema.Column, 0, len(names))
	for _, name := range names {
		col, ok := table.Column(name)
		if !ok {
			return nil, fmt.Errorf("table %s has no column %q", table.Name, name)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// filterOperators is checked longest-first so ">=" wins over ">".
var filterOperators = []schema.Operator{
	schema.OpGte, schema.OpLte, schema.OpNeq,
	schema.OpEq, schema.OpGt, schema.OpLt, schema.OpLike,
}

func parseFilters(table *schema.Table, specs []string) ([]schema.Filter, error) {
	var filters []schema.Filter
	for _, spec := range specs {
		var parsed *schema.Filter
		for _, op := range filterOperators {
			sep := string(op)
			if op == schema.OpLike {
				sep = "~"
			}
			if name, value, found := strings.Cut(spec, sep); found {
				col, ok := table.Column(name)
				if !ok {
					return nil, fmt.Errorf("table %s has no column %q", table.Name, name)
				}
				parsed = &schema.Filter{Column: col, Operator: op, Value: value}
				break
			}
		}
		if parsed == nil {
			return nil, fmt.Errorf("invalid filter %q, want column<op>value", spec)
		}
		filters = append(filters, *parsed)
	}
	return filters, nil
}

func parseOrdering(table *schema.Table, specs []string) ([]schema.Ordering, error) {
	var ordering []schema.Ordering
	for _, spec := range specs {
		name := spec
		desc := false
		if suffix, found := strings.CutPrefix(spec, "-"); found {
			name = suffix
			desc = true
		}
		col, ok := table.Column(name)
		if !ok {
			return nil, fmt.Errorf("table %s has no column %q", table.Name, name)
		}
		ordering = append(ordering, schema.Ordering{Column: col, Desc: desc})
	}
	return ordering, nil
}

func init() {
	rowsFetchCmd.Flags().StringSliceVar(&rowsFlags.columns, "columns", nil, "columns to select (default all)")
	rowsFetchCmd.Flags().StringSliceVar(&rowsFlags.filters, "filter", nil, "filters, e.g. id>=5 or name~a% (AND-combined)")
	rowsFetchCmd.Flags().StringSliceVar(&rowsFlags.order, "order", nil, "ordering columns, prefix with - for descending")
	rowsFetchCmd.Flags().IntVar(&rowsFlags.limit, "limit", 50, "maximum rows (-1 for unlimited)")
	rowsFetchCmd.Flags().IntVar(&rowsFlags.offset, "offset", 0, "rows to skip")
	rowsCountCmd.Flags().StringSliceVar(&rowsFlags.filters, "filter", nil, "filters, e.g. id>=5 (AND-combined)")
	rowsInsertCmd.Flags().StringArrayVar(&rowsFlags.set, "set", nil, "column=value pairs")

	rowsCmd.AddCommand(rowsFetchCmd)
	rowsCmd.AddCommand(rowsCountCmd)
	rowsCmd.AddCommand(rowsInsertCmd)
	rowsCmd.AddCommand(rowsDeleteCmd)
	rootCmd.AddCommand(rowsCmd)
}
