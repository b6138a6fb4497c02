package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaymutate/internal/conflicts"
	"github.com/agentworkforce/relaymutate/internal/persistence"
)

type dupesFlags struct {
	dsn        string
	collection string
	fields     []string
	filter     string
}

func newDupesCmd() *cobra.Command {
	flags := &dupesFlags{}
	cmd := &cobra.Command{
		Use:     "dupes",
		Short:   "Report records of a collection that duplicate an earlier one",
		Example: `  relaymutate dupes --dsn sqlite:///tmp/app.db --collection users --fields email,username`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDupes(cmd.Context(), flags, cmd.OutOrStdout(), slog.Default())
		},
	}
	cmd.Flags().StringVar(&flags.dsn, "dsn", "", "persistence DSN")
	cmd.Flags().StringVar(&flags.collection, "collection", "", "collection to scan")
	cmd.Flags().StringSliceVar(&flags.fields, "fields", nil, "fields that must be unique")
	cmd.Flags().StringVar(&flags.filter, "filter", "", `restrict the scan, e.g. "status = active"`)
	_ = cmd.MarkFlagRequired("dsn")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("fields")
	return cmd
}

// runDupes compares every record with the records before it in id order, so
// each duplicate pair is reported once, against the earlier record.
func runDupes(ctx context.Context, flags *dupesFlags, out io.Writer, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var fields []string
	for _, f := range flags.fields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return errors.New("--fields needs at least one field")
	}
	filter, err := persistence.ParseFilter(flags.filter)
	if err != nil {
		return err
	}
	coll, closeStore, err := persistence.Open(flags.dsn, flags.collection, persistence.StoreOptions{})
	if err != nil {
		return fmt.Errorf("open %s: %w", flags.collection, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close persistence failed", "error", err)
		}
	}()
	records, err := persistence.Records(ctx, coll, filter)
	if err != nil {
		return err
	}

	log := conflicts.NewLog(conflicts.LogOptions{Logger: logger})
	detector := conflicts.NewDetector(log, conflicts.DetectorOptions{})
	for i := 1; i < len(records); i++ {
		detector.DetectDuplicate(flags.collection, records[i], records[:i], fields)
	}
	found := log.All()
	if found == nil {
		found = []conflicts.Conflict{}
	}
	logger.Info("duplicate scan finished", "collection", flags.collection, "records", len(records), "duplicates", len(found))
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(found)
}
