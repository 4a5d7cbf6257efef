package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/deeprun/config"
	"github.com/c360studio/deeprun/contract"
	"github.com/c360studio/deeprun/jobqueue"
	"github.com/c360studio/deeprun/model"
	"github.com/c360studio/deeprun/runlock"
	"github.com/c360studio/deeprun/vcs"
)

func newRunCmd(dsn *string) *cobra.Command {
	var (
		repoRoot  string
		projectID string
		orgID     string
		workspace string
		goal      string
		override  bool
		fork      bool
	)

	runCmd := &cobra.Command{Use: "run", Short: "Create, resume, show, or fork a run"}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new run and seal its execution contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), *dsn, repoRoot, projectID, orgID, workspace, goal)
		},
	}
	create.Flags().StringVar(&repoRoot, "repo", ".", "Path to the project's git repository")
	create.Flags().StringVar(&projectID, "project", "", "Project id")
	create.Flags().StringVar(&orgID, "org", "", "Org id")
	create.Flags().StringVar(&workspace, "workspace", "", "Workspace id")
	create.Flags().StringVar(&goal, "goal", "", "Run goal")

	show := &cobra.Command{
		Use:   "show [runID]",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), *dsn, args[0])
		},
	}

	resume := &cobra.Command{
		Use:   "resume [runID]",
		Short: "Resume a queued or interrupted run to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd.Context(), *dsn, repoRoot, args[0], override, fork)
		},
	}
	resume.Flags().StringVar(&repoRoot, "repo", ".", "Path to the project's git repository")
	resume.Flags().BoolVar(&override, "override-execution-config", false, "Accept a changed execution config for this resume")
	resume.Flags().BoolVar(&fork, "fork", false, "Fork onto a new contract instead of resuming under the persisted one")

	runCmd.AddCommand(create, show, resume)
	return runCmd
}

// runCreate seals a fresh Execution Contract from the process's
// environment-driven defaults, queues a run row under it, and enqueues a
// job for a worker to pick up — the create half of spec.md §4.7.
func runCreate(ctx context.Context, dsn, repoRoot, projectID, orgID, workspace, goal string) error {
	if projectID == "" || goal == "" {
		return fmt.Errorf("--project and --goal are required")
	}

	logger := slog.Default()
	app := NewApp(dsn, logger)
	if err := app.Start(ctx, repoRoot); err != nil {
		return err
	}
	defer app.Shutdown()

	repo, err := app.Repo(ctx, repoRoot)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	runID := uuid.New().String()
	branch, err := model.RunBranch(runID)
	if err != nil {
		return fmt.Errorf("derive run branch: %w", err)
	}

	c, err := contract.Build(app.cfg, "default", time.Now().UnixNano(), false, nil)
	if err != nil {
		return fmt.Errorf("build execution contract: %w", err)
	}
	metadata, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal execution contract: %w", err)
	}

	worktreePath := vcs.JoinWorktreePath(repoRoot, runID)
	wt, err := repo.CreateWorktree(ctx, worktreePath, branch, "")
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	head, err := wt.HeadCommit(ctx)
	if err != nil {
		return fmt.Errorf("resolve worktree HEAD: %w", err)
	}

	now := time.Now()
	run := &model.AgentRun{
		ID:              runID,
		ProjectID:       projectID,
		OrgID:           orgID,
		WorkspaceID:     workspace,
		Goal:            goal,
		Status:          model.RunStatusQueued,
		RunBranch:       branch,
		WorktreePath:    worktreePath,
		BaseCommitHash:  head,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := app.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if err := app.queue.Enqueue(ctx, uuid.New().String(), runID, jobqueue.JobTypeKernel, jobqueue.RoleCompute, nil); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}

	fmt.Println(runID)
	return nil
}

func runShow(ctx context.Context, dsn, runID string) error {
	app := NewApp(dsn, slog.Default())
	if err := app.Start(ctx, "."); err != nil {
		return err
	}
	defer app.Shutdown()

	run, err := app.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	out, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runResume reattaches to an existing run's worktree and drives it to
// completion through the engine, re-sealing its execution contract per
// spec.md §4.7's CONTRACT_MISMATCH guard before executing a single step.
// With fork set, the resolved contract seeds a brand new run/worktree/job
// cut from the source run's current HEAD instead of mutating the source
// run in place; the source run and its worktree are left untouched.
func runResume(ctx context.Context, dsn, repoRoot, runID string, override, fork bool) error {
	app := NewApp(dsn, slog.Default())
	if err := app.Start(ctx, repoRoot); err != nil {
		return err
	}
	defer app.Shutdown()

	run, err := app.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	_, requested, diffs, err := contract.Resolve(run.Metadata, config.NormalizedExecutionConfig{}, app.cfg, contract.ResolveOptions{
		Profile:                 "default",
		OverrideExecutionConfig: override,
		Fork:                    fork,
	})
	if err != nil {
		return fmt.Errorf("resolve execution contract: %w", err)
	}
	if len(diffs) > 0 {
		logger := slog.Default()
		logger.Warn("execution contract diverged from persisted run", "diffs", diffs, "fork", fork)
	}
	metadata, err := json.Marshal(requested)
	if err != nil {
		return fmt.Errorf("marshal resolved contract: %w", err)
	}

	repo, err := app.Repo(ctx, repoRoot)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	if fork {
		forked, err := forkRun(ctx, app, repo, run, repoRoot, metadata)
		if err != nil {
			return fmt.Errorf("fork run: %w", err)
		}
		fmt.Println(forked.ID)
		return nil
	}

	run.Metadata = metadata
	wt, err := repo.AttachWorktree(ctx, run.WorktreePath, run.RunBranch)
	if err != nil {
		return fmt.Errorf("attach worktree: %w", err)
	}

	owner := runlock.Owner(strconv.Itoa(os.Getpid()), uuid.New().String())
	if err := app.engine.ExecuteRun(ctx, run, wt, run.WorktreePath, owner); err != nil {
		return fmt.Errorf("execute run: %w", err)
	}

	fmt.Printf("run %s finished with status %s\n", run.ID, run.Status)
	return nil
}

// forkRun implements spec.md §4.7's fork semantics: a new run row, a new
// git worktree branched off source's current worktree HEAD via
// vcs.Worktree.Fork, and a new queue job for a worker to pick up. source's
// row and worktree are never written to.
func forkRun(ctx context.Context, app *App, repo *vcs.Repository, source *model.AgentRun, repoRoot string, metadata json.RawMessage) (*model.AgentRun, error) {
	sourceWt, err := repo.AttachWorktree(ctx, source.WorktreePath, source.RunBranch)
	if err != nil {
		return nil, fmt.Errorf("attach source worktree: %w", err)
	}

	forkedID := uuid.New().String()
	branch, err := model.RunBranch(forkedID)
	if err != nil {
		return nil, fmt.Errorf("derive fork run branch: %w", err)
	}
	worktreePath := vcs.JoinWorktreePath(repoRoot, forkedID)

	forkedWt, err := sourceWt.Fork(ctx, worktreePath, branch)
	if err != nil {
		return nil, fmt.Errorf("fork worktree: %w", err)
	}
	head, err := forkedWt.HeadCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve forked worktree HEAD: %w", err)
	}

	now := time.Now()
	forked := &model.AgentRun{
		ID:                  forkedID,
		ProjectID:           source.ProjectID,
		OrgID:               source.OrgID,
		WorkspaceID:         source.WorkspaceID,
		CreatedByUserID:      source.CreatedByUserID,
		Goal:                source.Goal,
		ProviderID:          source.ProviderID,
		Model:               source.Model,
		Status:              model.RunStatusQueued,
		Plan:                source.Plan,
		RunBranch:           branch,
		WorktreePath:        worktreePath,
		BaseCommitHash:      head,
		CurrentCommitHash:   head,
		LastValidCommitHash: head,
		Metadata:            metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := app.store.CreateRun(ctx, forked); err != nil {
		return nil, fmt.Errorf("create forked run: %w", err)
	}
	if err := app.queue.Enqueue(ctx, uuid.New().String(), forkedID, jobqueue.JobTypeKernel, jobqueue.RoleCompute, nil); err != nil {
		return nil, fmt.Errorf("enqueue forked run: %w", err)
	}
	return forked, nil
}
