// Command rebuild drives the blue-green index rebuild: create fills offline
// copies of every tracked index, catch-up replays changes made since, and
// go-live swaps the copies in.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"searchsync/internal/app"
	"searchsync/internal/config"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
	"searchsync/internal/rebuild"
	"searchsync/internal/reindex"
	"searchsync/pkg/domain"
)

const (
	exitOK           = 0
	exitFailure      = 1
	exitUsage        = 2
	exitPrecondition = 3
	exitTooMuch      = 4
)

const tokenEnv = "SEARCHSYNC_TOKEN"

var exitFunc = os.Exit

// buildApp is replaced in tests.
var buildApp = func(_ context.Context, logOut io.Writer) (*app.App, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: logOut})
	logger.InstallGlobal(lg)
	return app.New(cfg, lg, metrics.New())
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

var errFailedIDs = errors.New("some entities failed to reindex")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	exitFunc(cli(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rebuild: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	var (
		usage   usageError
		pre     *domain.PreconditionError
		tooMuch *domain.TooMuchToCatchUpError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage):
		return exitUsage
	case errors.As(err, &pre):
		return exitPrecondition
	case errors.As(err, &tooMuch):
		return exitTooMuch
	default:
		return exitFailure
	}
}

type cliState struct {
	token string
	op    string
	out   io.Writer
	log   io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	st := &cliState{out: stdout, log: stderr}
	root := &cobra.Command{
		Use:           "rebuild",
		Short:         "Blue-green rebuild of the search indices",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{msg: fmt.Sprintf("unknown command %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return usageError{msg: "a command is required"}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{msg: err.Error()}
	})
	root.PersistentFlags().StringVar(&st.token, "token", "", "admin bearer token (default $"+tokenEnv+")")
	root.PersistentFlags().StringVar(&st.op, "op", "", "operation record name (default: most recent)")

	root.AddCommand(
		st.phaseCmd("create", "Create and fill the offline destination indices", true, st.runCreate),
		st.phaseCmd("catch-up", "Reindex entities changed since the last snapshot", true, st.runCatchUp),
		st.phaseCmd("go-live", "Swap the destinations in as the live indices", true, st.runGoLive),
		st.phaseCmd("status", "Print an operation record", false, st.runStatus),
	)
	return root
}

type phaseFunc func(ctx context.Context, m *rebuild.Machine) error

func (st *cliState) phaseCmd(use, short string, needsToken bool, run phaseFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{msg: fmt.Sprintf("%s takes no arguments", use)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if st.token == "" {
				st.token = strings.TrimSpace(os.Getenv(tokenEnv))
			}
			if needsToken && st.token == "" {
				return usageError{msg: "--token or " + tokenEnv + " is required"}
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, st.log)
			if err != nil {
				return errors.Wrap(err, "startup")
			}
			defer func() { _ = a.Close() }()
			m, err := a.Rebuild(ctx)
			if err != nil {
				return err
			}
			return run(ctx, m)
		},
	}
}

func (st *cliState) opts() rebuild.Options {
	return rebuild.Options{Token: st.token, Op: st.op}
}

func (st *cliState) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(st.out, format, args...)
}

func (st *cliState) runCreate(ctx context.Context, m *rebuild.Machine) error {
	rec, rep, err := m.Create(ctx, st.opts())
	if err != nil {
		st.explain("create", rec, err)
		return err
	}
	st.printf("operation %s created\n", rec.Name)
	st.printIndices(rec.Latest())
	st.printReport(rep)
	if !rep.OK() {
		st.printf("next: fix the failed entities, then run `rebuild catch-up --op %s`\n", rec.Name)
		return errFailedIDs
	}
	st.printf("next: run `rebuild catch-up --op %s` to pick up changes made during the fill\n", rec.Name)
	return nil
}

func (st *cliState) runCatchUp(ctx context.Context, m *rebuild.Machine) error {
	rec, rep, err := m.CatchUp(ctx, st.opts())
	if err != nil {
		st.explain("catch-up", rec, err)
		return err
	}
	step := rec.Latest()
	st.printf("operation %s caught up at step %d: %d candidate ids\n", rec.Name, step.Step, step.CatchUp.CandidateCount)
	st.printIndices(step)
	st.printReport(rep)
	if !rep.OK() {
		st.printf("next: fix the failed entities and run `rebuild catch-up --op %s` again\n", rec.Name)
		return errFailedIDs
	}
	st.printf("next: run `rebuild catch-up --op %s` again to shrink the gap, or `rebuild go-live --op %s`\n", rec.Name, rec.Name)
	return nil
}

func (st *cliState) runGoLive(ctx context.Context, m *rebuild.Machine) error {
	rec, err := m.GoLive(ctx, st.opts())
	if err != nil {
		st.explain("go-live", rec, err)
		return err
	}
	live := rec.Latest().GoLive
	st.printf("operation %s is live\n", rec.Name)
	for _, src := range sortedNames(live.Flush) {
		st.printf("  %s: former live copy kept as %s\n", src, live.Flush[src])
	}
	st.printf("next: delete the flush indices once the new indices are verified\n")
	return nil
}

func (st *cliState) runStatus(ctx context.Context, m *rebuild.Machine) error {
	rec, err := m.Status(ctx, st.op)
	if err != nil {
		st.explain("status", rec, err)
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	st.printf("%s\n%s\n", rec.Name, b)
	return nil
}

func (st *cliState) explain(phase string, rec *rebuild.Record, err error) {
	var (
		pre     *domain.PreconditionError
		tooMuch *domain.TooMuchToCatchUpError
		swap    *domain.SwapStepError
	)
	op := ""
	if rec != nil {
		op = " --op " + rec.Name
	}
	switch {
	case errors.As(err, &pre):
		st.printf("%s refused: %s\n", phase, pre.Error())
		if pre.Index != "" && strings.HasSuffix(pre.Index, "_fill") {
			st.printf("next: delete %s if it is left over from an abandoned rebuild, then run `rebuild create` again\n", pre.Index)
		} else {
			st.printf("next: check the index state with `rebuild status%s` before retrying\n", op)
		}
	case errors.As(err, &tooMuch):
		st.printf("%s refused: %d changed entities exceed the ceiling of %d\n", phase, tooMuch.Candidates, tooMuch.Ceiling)
		st.printf("next: raise SEARCHSYNC_CATCHUP_CEILING, or delete the _fill indices and run `rebuild create` again\n")
	case errors.As(err, &swap):
		st.printf("go-live stopped at %s on %s\n", swap.Step, swap.Index)
		st.printf("next: completed actions are listed by `rebuild status%s`; finish the remaining swap steps by hand\n", op)
	default:
		st.printf("%s failed: %v\n", phase, err)
	}
}

func (st *cliState) printIndices(step rebuild.Step) {
	for _, src := range sortedNames(step.Indices) {
		snap := step.Indices[src]
		st.printf("  %s -> %s: source %d, destination %d, max timestamp %d\n",
			src, snap.Destination, snap.SourceCount, snap.DestinationCount, snap.MaxTimestamp)
	}
}

func (st *cliState) printReport(rep *reindex.Report) {
	if rep == nil {
		return
	}
	st.printf("run %s: %d indexed, %d skipped, %d failed\n", rep.RunID, rep.Indexed, rep.Skipped, len(rep.Failed))
	for _, id := range rep.FailedIDs() {
		st.printf("  failed %s: %s\n", id, rep.Failed[id])
	}
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
