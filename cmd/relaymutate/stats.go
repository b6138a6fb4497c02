package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

type snapshotReport struct {
	SavedAt *time.Time       `json:"savedAt,omitempty"`
	Stats   optimistic.Stats `json:"stats"`
	Failed  []string         `json:"failed,omitempty"`
}

func newStatsCmd() *cobra.Command {
	var stateDSN string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize a persisted registry snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(stateDSN, cmd.OutOrStdout(), slog.Default())
		},
	}
	cmd.Flags().StringVar(&stateDSN, "state", "", "registry state DSN (file path, s3://bucket/key, postgres://...)")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func runStats(stateDSN string, out io.Writer, logger *slog.Logger) error {
	if strings.TrimSpace(stateDSN) == "" {
		return errors.New("--state is required")
	}
	backend, err := optimistic.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closeQuietly(closer, logger, "state backend")
	}
	snapshot, err := backend.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	report := snapshotReport{Stats: snapshot.Stats()}
	if snapshot != nil {
		if !snapshot.SavedAt.IsZero() {
			savedAt := snapshot.SavedAt
			report.SavedAt = &savedAt
		}
		for _, e := range snapshot.Entries {
			if e.Status == optimistic.StatusFailed {
				report.Failed = append(report.Failed, e.ID)
			}
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
