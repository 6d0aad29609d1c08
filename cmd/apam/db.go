package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maloquacious/apam/internal/store"
	"github.com/maloquacious/apam/internal/store/sqlite"
)

var (
	dbCollections []string
	dbIndexes     []string
	dbJSON        bool
	dbOffset      int
	dbLimit       int
)

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Store management commands",
	}

	dbCreateCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a store, optionally with collections",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBCreate,
	}
	dbCreateCmd.Flags().StringSliceVar(&dbCollections, "collection", nil, "collection to create (repeatable)")

	dbDeleteCmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a store and its journal files",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBDelete,
	}

	dbListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the stores in the data directory",
		Args:  cobra.NoArgs,
		RunE:  runDBList,
	}

	dbInfoCmd := &cobra.Command{
		Use:   "info NAME",
		Short: "Show the state, version and collections of a store",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBInfo,
	}
	dbInfoCmd.Flags().BoolVar(&dbJSON, "json", false, "print JSON")

	dbUpgradeCmd := &cobra.Command{
		Use:   "upgrade NAME",
		Short: "Raise the store version by one, adding collections",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBUpgrade,
	}
	dbUpgradeCmd.Flags().StringSliceVar(&dbCollections, "collection", nil, "collection to add (repeatable)")
	dbUpgradeCmd.Flags().StringSliceVar(&dbIndexes, "index", nil, "index to add as collection.field (repeatable)")

	dbRecordsCmd := &cobra.Command{
		Use:   "records NAME COLLECTION",
		Short: "Print the records of a collection as JSON lines",
		Args:  cobra.ExactArgs(2),
		RunE:  runDBRecords,
	}
	dbRecordsCmd.Flags().IntVar(&dbOffset, "offset", 0, "records to skip")
	dbRecordsCmd.Flags().IntVar(&dbLimit, "limit", 100, "maximum records to print")

	dbWatchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print store changes in the data directory until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runDBWatch,
	}

	dbCmd.AddCommand(dbCreateCmd, dbDeleteCmd, dbListCmd, dbInfoCmd, dbUpgradeCmd, dbRecordsCmd, dbWatchCmd)
	return dbCmd
}

// createCollections returns an upgrade that adds the named collections with
// default options and the given collection.field indexes.
func createCollections(collections, indexes []string) (sqlite.UpgradeFunc, error) {
	type index struct{ collection, field string }
	var idx []index
	for _, ix := range indexes {
		c, f, ok := strings.Cut(ix, ".")
		if !ok || c == "" || f == "" {
			return nil, store.InvalidArgument("parse index", ix, "expected collection.field")
		}
		idx = append(idx, index{c, f})
	}
	return func(u *sqlite.UpgradeTx) error {
		for _, c := range collections {
			if err := u.CreateCollection(c, sqlite.DefaultCollectionOptions); err != nil {
				return err
			}
		}
		for _, i := range idx {
			if err := u.CreateIndex(i.collection, i.field, i.field, false); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	configure, err := createCollections(dbCollections, nil)
	if err != nil {
		return err
	}
	if err := reg.CreateDatabase(cmd.Context(), args[0], configure); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
	return err
}

func runDBDelete(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.DeleteDatabase(cmd.Context(), args[0]); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return err
}

func runDBList(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	return listStores(cmd.OutOrStdout(), reg)
}

func listStores(w io.Writer, r store.Registry) error {
	names, err := r.DatabaseNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}

func runDBInfo(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	info, err := reg.Info(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if dbJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	return writeInfo(cmd.OutOrStdout(), info)
}

func writeInfo(w io.Writer, info store.Info) error {
	var b strings.Builder
	fmt.Fprintf(&b, "name:        %s\n", info.Name)
	fmt.Fprintf(&b, "state:       %s\n", info.State)
	fmt.Fprintf(&b, "version:     %d\n", info.Version)
	fmt.Fprintf(&b, "collections: %d\n", len(info.Collections))
	for _, c := range info.Collections {
		fmt.Fprintf(&b, "  %s\n", c)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func runDBUpgrade(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	configure, err := createCollections(dbCollections, dbIndexes)
	if err != nil {
		return err
	}
	if err := reg.OpenThenUpgradeWith(cmd.Context(), args[0], configure); err != nil {
		return err
	}
	v, err := reg.Version(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "upgraded %s to version %d\n", args[0], v)
	return err
}

func runDBRecords(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	name, collection := args[0], args[1]
	ok, err := reg.HasDatabase(name)
	if err != nil {
		return err
	}
	if !ok {
		return store.NotFound("records", name, "database does not exist")
	}

	h, err := reg.Open(cmd.Context(), name)
	if err != nil {
		return err
	}
	defer h.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	return h.View(cmd.Context(), func(tx *sqlite.Txn) error {
		c, err := tx.Collection(collection)
		if err != nil {
			return err
		}
		records, err := c.GetRange(dbOffset, dbLimit)
		if err != nil {
			return err
		}
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	})
}

func runDBWatch(cmd *cobra.Command, args []string) error {
	reg, cfg, log, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	log.Info("watching %s", cfg.DataDir)
	return reg.Watch(ctx, func(ev sqlite.Event) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ev.Kind, ev.Name)
	})
}
