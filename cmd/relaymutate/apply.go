package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaymutate/internal/config"
	"github.com/agentworkforce/relaymutate/internal/optimistic"
	"github.com/agentworkforce/relaymutate/internal/persistence"
	"github.com/agentworkforce/relaymutate/internal/remote"
)

// mutation is one line of an apply input file.
type mutation struct {
	Collection string               `json:"collection"`
	Operation  optimistic.Operation `json:"operation"`
	ID         string               `json:"id,omitempty"`
	Data       optimistic.Record    `json:"data,omitempty"`
	Version    int64                `json:"version,omitempty"`
}

func (m mutation) vars() optimistic.Record {
	out := m.Data.Clone()
	if out == nil {
		out = optimistic.Record{}
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if m.Version > 0 {
		out["version"] = m.Version
	}
	return out
}

// readMutations parses JSON lines. Blank lines and lines starting with '#'
// are skipped.
func readMutations(r io.Reader) ([]mutation, error) {
	var out []mutation
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var m mutation
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		m.Collection = strings.TrimSpace(m.Collection)
		if m.Collection == "" {
			return nil, fmt.Errorf("line %d: collection is required", line)
		}
		if m.Operation == "" {
			m.Operation = optimistic.OperationCustom
		}
		if !m.Operation.Valid() {
			return nil, fmt.Errorf("line %d: unknown operation %q", line, m.Operation)
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type applyFlags struct {
	file           string
	dsn            string
	remoteURL      string
	stateDSN       string
	inspectAddr    string
	promptDefault  string
	rollbackFailed bool
	wait           time.Duration
}

type applyReport struct {
	Submitted  int                `json:"submitted"`
	Rejected   int                `json:"rejected"`
	Failed     int                `json:"failed"`
	RolledBack int                `json:"rolledBack"`
	Registry   optimistic.Stats   `json:"registry"`
	Conflicts  conflictStatsView  `json:"conflicts"`
	Entries    []entrySummaryView `json:"entries"`
}

type conflictStatsView struct {
	Total      int            `json:"total"`
	ByKind     map[string]int `json:"byKind"`
	BySeverity map[string]int `json:"bySeverity"`
}

type entrySummaryView struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Operation  string            `json:"operation"`
	Status     optimistic.Status `json:"status"`
	RetryCount int               `json:"retryCount"`
	Error      string            `json:"error,omitempty"`
}

func newApplyCmd(global *globalFlags) *cobra.Command {
	flags := &applyFlags{}
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run a JSONL file of mutations through the optimistic executor",
		Example: `  relaymutate apply --file mutations.jsonl --dsn sqlite:///tmp/docs.db
  relaymutate apply --config relaymutate.yaml --file mutations.jsonl --remote-url https://api.example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(global.configPath)
			if err != nil {
				return err
			}
			return runApply(cmd.Context(), cfg, flags, cmd.OutOrStdout(), slog.Default())
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "JSONL mutations file, - for stdin")
	cmd.Flags().StringVar(&flags.dsn, "dsn", "", "persistence DSN (overrides config)")
	cmd.Flags().StringVar(&flags.remoteURL, "remote-url", "", "HTTP API base URL used instead of persistence")
	cmd.Flags().StringVar(&flags.stateDSN, "state", "", "registry state DSN (overrides config)")
	cmd.Flags().StringVar(&flags.inspectAddr, "inspect-addr", "", "serve the inspect API while applying")
	cmd.Flags().StringVar(&flags.promptDefault, "prompt-default", string(optimistic.ServerWins), "decision taken for prompt-user conflicts")
	cmd.Flags().BoolVar(&flags.rollbackFailed, "rollback-failed", false, "roll back entries that are still failed at the end")
	cmd.Flags().DurationVar(&flags.wait, "wait", 30*time.Second, "how long to wait for batched and retried mutations")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runApply(ctx context.Context, cfg config.Config, flags *applyFlags, out io.Writer, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.dsn != "" {
		cfg.Persistence.DSN = flags.dsn
	}
	if flags.remoteURL != "" {
		cfg.Remote.URL = flags.remoteURL
	}
	if flags.stateDSN != "" {
		cfg.Registry.StateDSN = flags.stateDSN
	}
	promptDefault := optimistic.Strategy(flags.promptDefault)
	if !promptDefault.Valid() || promptDefault == optimistic.PromptUser || promptDefault == optimistic.Custom {
		return fmt.Errorf("--prompt-default must be client-wins, server-wins or merge, got %q", flags.promptDefault)
	}

	mutations, err := loadMutations(flags.file)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, logger, flags.inspectAddr != "")
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	serveCtx, stopServe := context.WithCancel(ctx)
	serveErr := rt.serveInspect(serveCtx, flags.inspectAddr)
	defer func() {
		stopServe()
		if err := <-serveErr; err != nil {
			logger.Warn("inspect server stopped", "error", err)
		}
	}()

	a, err := newApplier(rt, promptDefault)
	if err != nil {
		return err
	}
	defer a.close()

	report := applyReport{}
	var submitted []string
	for _, m := range mutations {
		exec, err := a.executor(m.Collection, m.Operation)
		if err != nil {
			return err
		}
		res, err := exec.Submit(ctx, m.vars())
		switch {
		case err == nil:
		case res.EntryID == "":
			report.Rejected++
			logger.Warn("mutation rejected", "collection", m.Collection, "operation", string(m.Operation), "error", err)
			continue
		default:
			logger.Warn("mutation failed", "entry_id", res.EntryID, "collection", m.Collection, "error", err)
		}
		report.Submitted++
		submitted = append(submitted, res.EntryID)
	}

	a.flush(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, flags.wait)
	defer cancel()
	if err := a.wait(waitCtx); err != nil {
		logger.Warn("automatic retries still running", "error", err)
	}
	for _, id := range submitted {
		if _, err := rt.registry.Await(waitCtx, id); err != nil && !errors.Is(err, optimistic.ErrNotFound) {
			logger.Warn("mutation did not settle", "entry_id", id, "error", err)
		}
	}
	if flags.rollbackFailed {
		report.RolledBack = a.rollbackAll(ctx)
	}

	entries := rt.registry.List(optimistic.Filter{})
	for _, e := range entries {
		view := entrySummaryView{
			ID:         e.ID,
			Type:       e.Type,
			Operation:  string(e.Operation),
			Status:     e.Status,
			RetryCount: e.RetryCount,
		}
		if e.Error != nil {
			view.Error = e.Error.Message
		}
		if e.Status == optimistic.StatusFailed {
			report.Failed++
		}
		report.Entries = append(report.Entries, view)
	}
	report.Registry = rt.registry.Stats()
	report.Conflicts = conflictStats(rt)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func loadMutations(path string) ([]mutation, error) {
	if path == "-" {
		return readMutations(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readMutations(f)
}

func conflictStats(rt *runtime) conflictStatsView {
	stats := rt.conflicts.Stats()
	view := conflictStatsView{Total: stats.Total, ByKind: map[string]int{}, BySeverity: map[string]int{}}
	for k, n := range stats.ByKind {
		view.ByKind[string(k)] = n
	}
	for s, n := range stats.BySeverity {
		view.BySeverity[string(s)] = n
	}
	return view
}

// applier owns one executor per collection and operation, all sharing the
// runtime registry.
type applier struct {
	rt            *runtime
	store         persistence.Store
	promptDefault optimistic.Strategy
	executors     map[string]*optimistic.Executor
	queues        []optimistic.BatchQueue
}

func newApplier(rt *runtime, promptDefault optimistic.Strategy) (*applier, error) {
	a := &applier{
		rt:            rt,
		promptDefault: promptDefault,
		executors:     map[string]*optimistic.Executor{},
	}
	if rt.cfg.Remote.URL == "" {
		store, err := persistence.OpenStore(rt.cfg.Persistence.DSN, persistence.StoreOptions{})
		if err != nil {
			return nil, fmt.Errorf("open persistence: %w", err)
		}
		a.store = store
	}
	return a, nil
}

func (a *applier) executor(collection string, op optimistic.Operation) (*optimistic.Executor, error) {
	key := collection + "/" + string(op)
	if exec, ok := a.executors[key]; ok {
		return exec, nil
	}
	opts := a.rt.cfg.ExecutorOptions()
	opts.Type = collection
	opts.Operation = op
	opts.EntityType = collection
	opts.EntityID = func(vars optimistic.Record) string {
		id, _, _ := persistence.SplitRecord(vars)
		return id
	}
	opts.IgnoreKeys = appendMissing(opts.IgnoreKeys, "id", "timestamp", "updatedAt", "version")
	opts.Logger = a.rt.logger
	opts.Metrics = a.rt.metrics
	opts.FeedbackSink = a.rt.feedbackSink()
	opts.OnError = a.recordDomainConflict(collection)
	opts.OnConflict = func(p *optimistic.PendingResolution) {
		a.rt.logger.Info("conflict needs a decision, applying default", "entry_id", p.EntryID, "fields", p.Fields, "decision", string(a.promptDefault))
		if _, err := p.CompleteWith(a.promptDefault, nil); err != nil {
			a.rt.logger.Warn("default decision failed", "entry_id", p.EntryID, "error", err)
		}
	}
	opts.Speculate = func(vars, original optimistic.Record) (optimistic.Record, error) {
		if op == optimistic.OperationDelete {
			return optimistic.Record{"id": vars["id"], "deleted": true}, nil
		}
		out := original.Clone()
		if out == nil {
			out = optimistic.Record{}
		}
		for k, v := range vars {
			out[k] = v
		}
		return out, nil
	}

	if a.store != nil {
		coll, err := a.store.Collection(collection)
		if err != nil {
			return nil, err
		}
		remoteOp, err := persistence.Operations(coll).For(op)
		if err != nil {
			return nil, err
		}
		opts.Remote = remoteOp
		opts.Original = func(vars optimistic.Record) optimistic.Record {
			id, _, _ := persistence.SplitRecord(vars)
			if id == "" {
				return nil
			}
			doc, err := coll.Read(context.Background(), id)
			if err != nil {
				return nil
			}
			return doc.Record()
		}
	} else {
		tmpl := a.rt.cfg.Remote.PathTemplate
		if tmpl == "" {
			tmpl = "/{collection}/{id}"
		}
		client := remote.NewClient(remote.ClientOptions{
			BaseURL:      a.rt.cfg.Remote.URL,
			Token:        a.rt.cfg.Remote.Token,
			PathTemplate: strings.ReplaceAll(tmpl, "{collection}", collection),
			HTTPClient:   &http.Client{Timeout: a.rt.cfg.Remote.Timeout},
		})
		remoteOp, err := client.For(op)
		if err != nil {
			return nil, err
		}
		opts.Remote = remoteOp
	}

	if opts.Batching {
		queue, err := optimistic.BuildBatchQueueFromDSN(batchQueueDSN(a.rt.cfg.Executor.BatchQueueDSN, collection, op), a.rt.cfg.Executor.BatchQueueSize)
		if err != nil {
			return nil, fmt.Errorf("batch queue: %w", err)
		}
		opts.BatchQueue = queue
		a.queues = append(a.queues, queue)
	}

	exec, err := optimistic.NewExecutor(a.rt.registry, opts)
	if err != nil {
		return nil, err
	}
	a.executors[key] = exec
	return exec, nil
}

// recordDomainConflict turns revision conflicts from either remote into
// version conflicts in the domain log.
func (a *applier) recordDomainConflict(collection string) func(context.Context, error, optimistic.Record) {
	return func(_ context.Context, err error, vars optimistic.Record) {
		id, localVersion, _ := persistence.SplitRecord(vars)
		var versionErr *persistence.VersionConflictError
		if errors.As(err, &versionErr) {
			a.rt.detector.DetectVersion(collection, versionErr.ID, versionErr.ExpectedVersion, versionErr.CurrentVersion, vars, versionErr.Current)
			return
		}
		var httpConflict *remote.ConflictError
		if errors.As(err, &httpConflict) {
			_, serverVersion, _ := persistence.SplitRecord(httpConflict.Current)
			if serverVersion == localVersion {
				serverVersion = localVersion + 1
			}
			a.rt.detector.DetectVersion(collection, id, localVersion, serverVersion, vars, httpConflict.Current)
		}
	}
}

func (a *applier) flush(ctx context.Context) {
	for _, exec := range a.executors {
		exec.Flush(ctx)
	}
}

// wait blocks until every executor's scheduled retries are done.
func (a *applier) wait(ctx context.Context) error {
	for _, exec := range a.executors {
		if err := exec.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) rollbackAll(ctx context.Context) int {
	total := 0
	for _, exec := range a.executors {
		total += exec.RollbackAll(ctx)
	}
	return total
}

func (a *applier) close() {
	for _, exec := range a.executors {
		exec.Close()
	}
	for _, q := range a.queues {
		closeQuietly(q, a.rt.logger, "batch queue")
	}
	if a.store != nil {
		closeQuietly(a.store, a.rt.logger, "persistence store")
	}
}

// batchQueueDSN gives each executor its own queue file when a file queue is
// configured.
func batchQueueDSN(dsn, collection string, op optimistic.Operation) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || (strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "file://")) {
		return dsn
	}
	return dsn + "." + collection + "." + string(op)
}

func appendMissing(list []string, values ...string) []string {
	out := append([]string(nil), list...)
	for _, v := range values {
		found := false
		for _, have := range out {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}
