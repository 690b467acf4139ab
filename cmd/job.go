package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vedsharma/apicli/internal/format"
	"github.com/vedsharma/apicli/internal/job"
	"github.com/vedsharma/apicli/internal/model"
	"github.com/vedsharma/apicli/internal/storage"
)

// jobFlags are shared by "job create" and "collection run"
type jobFlags struct {
	name        string
	requests    []string
	params      string
	pool        string
	concurrency int
	metricsAddr string
}

var (
	createFlags jobFlags
	runFlags    jobFlags
)

func addJobFlags(cmd *cobra.Command, f *jobFlags) {
	cmd.Flags().StringVar(&f.name, "name", "", "Job name")
	cmd.Flags().StringSliceVar(&f.requests, "requests", nil, "Only run these request ids (comma separated)")
	cmd.Flags().StringVarP(&f.params, "params", "p", "", "Parameter set (id or name)")
	cmd.Flags().StringVar(&f.pool, "pool", "", "Proxy pool (id or name)")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "n", 0, "Requests per batch, 1-100 (default from config)")
}

func addMetricsFlag(cmd *cobra.Command, f *jobFlags) {
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the job runs (e.g. :9464)")
}

func init() {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scan jobs",
		Long: `Scan jobs run every request of a collection, once per combination of a
parameter set, in concurrent batches, optionally through a proxy pool.`,
	}

	createCmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a pending job for a collection",
		Args:  cobra.ExactArgs(1),
		Run:   runJobCreate,
	}
	addJobFlags(createCmd, &createFlags)
	createCmd.Flags().Bool("run", false, "Start the job right away")
	addMetricsFlag(createCmd, &createFlags)

	runCmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a pending job and follow its progress",
		Long: `Run a pending job and follow its progress.

Press Ctrl-C to cancel; results recorded so far are kept.`,
		Args: cobra.ExactArgs(1),
		Run:  runJobRun,
	}
	addMetricsFlag(runCmd, &runFlags)

	showCmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		Run:   runJobShow,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Run:   runJobList,
	}
	listCmd.Flags().IntP("limit", "l", 20, "Number of jobs to show")

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Mark a running job as cancelled",
		Long: `Mark a running job as cancelled.

Jobs run inside the process that started them, so this cannot stop requests
another terminal is still sending. It records the job as cancelled, which
that process will not overwrite when it finishes. Its main use is closing a
job left running by a process that was killed.`,
		Args: cobra.ExactArgs(1),
		Run:   runJobCancel,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job and its results",
		Args:  cobra.ExactArgs(1),
		Run:   runJobDelete,
	}

	jobCmd.AddCommand(createCmd, runCmd, showCmd, listCmd, cancelCmd, deleteCmd)
	rootCmd.AddCommand(jobCmd)
}

// createJob resolves the references in f and stores a pending job
func createJob(ctx context.Context, a *app, collectionRef string, f jobFlags) (*model.ScanJob, error) {
	colID, err := a.store.Resolve(ctx, storage.KindCollection, collectionRef)
	if err != nil {
		return nil, err
	}

	j := &model.ScanJob{
		Name:         f.name,
		CollectionID: colID,
		RequestIDs:   f.requests,
		Concurrency:  f.concurrency,
	}
	if j.Name == "" {
		j.Name = fmt.Sprintf("%s %s", collectionRef, time.Now().Format("2006-01-02 15:04"))
	}
	if j.Concurrency == 0 {
		j.Concurrency = a.cfg.Jobs.DefaultConcurrency
	}
	if j.Concurrency < 1 || j.Concurrency > 100 {
		return nil, fmt.Errorf("concurrency must be between 1 and 100, got %d", j.Concurrency)
	}
	if f.params != "" {
		if j.ParameterSetID, err = a.store.Resolve(ctx, storage.KindParameterSet, f.params); err != nil {
			return nil, err
		}
	}
	if f.pool != "" {
		if j.ProxyPoolID, err = a.store.Resolve(ctx, storage.KindProxyPool, f.pool); err != nil {
			return nil, err
		}
	}

	if err := a.store.CreateScanJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// followJob starts jobID and renders progress until it ends. Ctrl-C
// cancels the job; the function still waits for the final state.
func followJob(a *app, jobID, metricsAddr string) {
	orch := a.orchestrator()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if metricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(sigCtx, metricsAddr); err != nil {
				a.logger.Warn("metrics server stopped", "addr", metricsAddr, "error", err)
			}
		}()
		format.PrintSuccess(fmt.Sprintf("Serving metrics on %s/metrics", metricsAddr))
	}

	ack, err := orch.Start(context.Background(), jobID)
	if errors.Is(err, job.ErrJobFinished) {
		a.fail("Job cannot be started", fmt.Errorf("%w (create a new job to run again)", err))
	}
	if err != nil {
		a.fail("Failed to start job", err)
	}
	format.PrintSuccess(fmt.Sprintf("%s: %s", ack.Message, ack.JobID))

	done := make(chan struct{})
	go func() {
		orch.Wait(jobID)
		close(done)
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	// progress redraws in place; skip it when stdout is piped
	tty := term.IsTerminal(int(os.Stdout.Fd()))

	interrupted := sigCtx.Done()
	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-interrupted:
			interrupted = nil
			stop() // a second Ctrl-C exits immediately
			ack := orch.Cancel(context.Background(), jobID)
			if tty {
				fmt.Println()
			}
			format.PrintWarning(ack.Message)
		case <-ticker.C:
			if !tty {
				continue
			}
			for _, s := range orch.ListActive() {
				if s.JobID == jobID {
					format.PrintProgress(jobID, s.Progress, s.CompletedRequests, s.TotalRequests)
				}
			}
		}
	}
	if tty {
		fmt.Println()
	}

	ctx := context.Background()
	final, err := a.store.GetScanJob(ctx, jobID)
	if err != nil {
		a.fail("Failed to load job", err)
	}
	format.PrintJob(*final)

	results, err := a.store.ListScanResults(ctx, jobID)
	if err != nil {
		a.fail("Failed to load results", err)
	}
	fmt.Println()
	format.PrintResultSummary(results)

	if final.Status != model.JobCompleted {
		a.Close()
		os.Exit(1)
	}
}

func runJobCreate(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	j, err := createJob(context.Background(), a, args[0], createFlags)
	if err != nil {
		a.fail("Failed to create job", err)
	}
	format.PrintSuccess(fmt.Sprintf("Job '%s' created: %s", j.Name, j.ID))

	if run, _ := cmd.Flags().GetBool("run"); run {
		followJob(a, j.ID, createFlags.metricsAddr)
	}
}

func runJobRun(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()
	followJob(a, args[0], runFlags.metricsAddr)
}

func runJobShow(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	j, err := a.store.GetScanJob(context.Background(), args[0])
	if err != nil {
		a.fail("Failed to load job", err)
	}
	format.PrintJob(*j)
}

func runJobList(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	jobs, err := a.store.ListScanJobs(context.Background(), limit)
	if err != nil {
		a.fail("Failed to list jobs", err)
	}
	format.PrintJobList(jobs)
}

func runJobCancel(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	j, err := a.store.GetScanJob(ctx, args[0])
	if err != nil {
		a.fail("Failed to load job", err)
	}
	if j.Status != model.JobRunning {
		format.PrintWarning(fmt.Sprintf("Job is already %s", j.Status))
		return
	}

	// the row may still belong to a live process; the conditional update
	// keeps that process's final status from replacing this one
	status := model.JobCancelled
	running := model.JobRunning
	now := time.Now().UTC()
	err = a.store.UpdateScanJob(ctx, j.ID, model.ScanJobPatch{Status: &status, EndedAt: &now, IfStatus: &running})
	if errors.Is(err, model.ErrStatusChanged) {
		format.PrintWarning("Job is no longer running")
		return
	}
	if err != nil {
		a.fail("Failed to cancel job", err)
	}
	format.PrintSuccess("Job cancelled")
}

func runJobDelete(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	if err := a.store.DeleteScanJob(context.Background(), args[0]); err != nil {
		a.fail("Failed to delete job", err)
	}
	format.PrintSuccess(fmt.Sprintf("Job '%s' deleted", args[0]))
}
