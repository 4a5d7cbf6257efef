package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/deeprun/jobqueue"
	"github.com/c360studio/deeprun/runlock"
	"github.com/c360studio/deeprun/vcs"
)

func newWorkerCmd(dsn *string) *cobra.Command {
	var (
		repoRoot    string
		pollEvery   time.Duration
		caps        []string
		role        string
		metricsAddr string
	)

	workerCmd := &cobra.Command{Use: "worker", Short: "Run a worker process"}
	runSub := &cobra.Command{
		Use:   "run",
		Short: "Claim and execute jobs until the process is signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return workerRun(cmd.Context(), *dsn, repoRoot, pollEvery, jobqueue.Role(role), caps, metricsAddr)
		},
	}
	runSub.Flags().StringVar(&repoRoot, "repo", ".", "Path to the project's git repository")
	runSub.Flags().DurationVar(&pollEvery, "poll-interval", 2*time.Second, "How often to poll for claimable jobs")
	runSub.Flags().StringSliceVar(&caps, "caps", nil, "Capabilities this worker advertises, as key=value pairs")
	runSub.Flags().StringVar(&role, "role", string(jobqueue.RoleCompute), "Worker role to register as: compute or eval")
	runSub.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus /metrics on (empty disables)")

	workerCmd.AddCommand(runSub)
	return workerCmd
}

// workerRun is the claim/execute/complete loop, grounded on the teacher's
// task-dispatcher's sem-bounded worker pool (processor/task-dispatcher/
// component.go), generalized from an in-process channel consumer to
// polling jobqueue.Queue.Claim across process restarts.
func workerRun(ctx context.Context, dsn, repoRoot string, pollEvery time.Duration, role jobqueue.Role, rawCaps []string, metricsAddr string) error {
	logger := slog.Default()
	app := NewApp(dsn, logger)
	if err := app.Start(ctx, repoRoot); err != nil {
		return err
	}
	defer app.Shutdown()

	if metricsAddr != "" {
		app.ServeMetrics(ctx, metricsAddr)
	}

	repo, err := app.Repo(ctx, repoRoot)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	caps := parseCaps(rawCaps)
	workerID := "worker-" + strconv.Itoa(os.Getpid())
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	defer func() {
		if err := app.queue.MarkOffline(context.Background(), workerID); err != nil {
			logger.Warn("mark worker offline failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := app.queue.Heartbeat(ctx, workerID, role, caps, 1); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
			if err := claimAndExecuteOne(ctx, app, repo, workerID, role, caps, logger); err != nil {
				if !errors.Is(err, jobqueue.ErrNoJobAvailable) {
					logger.Error("job execution failed", "error", err)
				}
			}
		}
	}
}

// parseCaps converts key=value (or bare key, implying true) flag operands
// into a jobqueue.Capabilities object.
func parseCaps(raw []string) jobqueue.Capabilities {
	if len(raw) == 0 {
		return nil
	}
	caps := make(jobqueue.Capabilities, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			caps[k] = true
			continue
		}
		caps[k] = v
	}
	return caps
}

// claimAndExecuteOne claims at most one job targeting role, drives its
// run through the engine, and reports the outcome back to the queue. It
// returns jobqueue.ErrNoJobAvailable (unwrapped) when there was nothing to
// do, so the poll loop can distinguish "idle" from "execution failed".
func claimAndExecuteOne(ctx context.Context, app *App, repo *vcs.Repository, workerID string, role jobqueue.Role, caps jobqueue.Capabilities, logger *slog.Logger) error {
	job, err := app.queue.Claim(ctx, workerID, role, caps)
	if err != nil {
		return err
	}

	run, err := app.store.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", job.RunID, err)
	}

	owner := runlock.Owner(workerID, uuid.New().String())
	if err := app.lock.Acquire(ctx, run, owner); err != nil {
		return fmt.Errorf("acquire run lock for %s: %w", run.ID, err)
	}

	wt, err := repo.AttachWorktree(ctx, run.WorktreePath, run.RunBranch)
	if err != nil {
		_ = app.queue.Fail(ctx, job.ID, err.Error())
		return fmt.Errorf("attach worktree for run %s: %w", run.ID, err)
	}

	renewDone := make(chan struct{})
	go renewLeaseUntilDone(ctx, app.queue, job.ID, workerID, renewDone, logger)
	execErr := app.engine.ExecuteRun(ctx, run, wt, run.WorktreePath, owner)
	close(renewDone)

	if execErr != nil {
		_ = app.queue.Fail(ctx, job.ID, execErr.Error())
		return fmt.Errorf("execute run %s: %w", run.ID, execErr)
	}
	if err := app.queue.Complete(ctx, job.ID); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	logger.Info("run finished", "run_id", run.ID, "status", run.Status)
	return nil
}

// renewLeaseUntilDone keeps a claimed job's lease alive for the duration
// of a potentially long-running ExecuteRun, so another worker does not
// reclaim it out from under an execution still in progress.
func renewLeaseUntilDone(ctx context.Context, q *jobqueue.Queue, jobID, workerID string, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.RenewLease(ctx, jobID, workerID); err != nil {
				logger.Warn("renew lease failed", "job_id", jobID, "error", err)
			}
		}
	}
}
