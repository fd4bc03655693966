package main

import (
	"fmt"
	"strings"

	"github.com/raskyld/mqrpc/pkg/jobs"
)

type jobsCmd struct {
	Pending   jobsPendingCmd   `cmd:"" help:"List the queued and in progress executions of a thing."`
	Describe  jobsDescribeCmd  `cmd:"" help:"Print a job execution."`
	StartNext jobsStartNextCmd `cmd:"" help:"Start the next queued execution of a thing."`
	Update    jobsUpdateCmd    `cmd:"" help:"Update the status of a job execution."`
	Watch     jobsWatchCmd     `cmd:"" help:"Print job execution events until interrupted."`
}

type jobsPendingCmd struct {
	Thing string `help:"Name of the thing." required:""`
}

func (c *jobsPendingCmd) Run(a *app) error {
	ctx, cancel := a.request()
	defer cancel()

	resp, err := jobs.NewClient(a.engine).GetPendingJobExecutions(ctx, &jobs.GetPendingJobExecutionsRequest{
		ThingName: c.Thing,
	}).Wait(ctx)
	if err != nil {
		return err
	}
	return a.print(resp)
}

type jobsDescribeCmd struct {
	Thing      string `help:"Name of the thing." required:""`
	Job        string `help:"Job identifier, the next pending execution when empty."`
	NoDocument bool   `help:"Do not include the job document."`
	Execution  int64  `help:"Execution number, the latest when zero."`
}

func (c *jobsDescribeCmd) Run(a *app) error {
	ctx, cancel := a.request()
	defer cancel()

	job := c.Job
	if job == "" {
		job = jobs.NextJobID
	}
	include := !c.NoDocument
	resp, err := jobs.NewClient(a.engine).DescribeJobExecution(ctx, &jobs.DescribeJobExecutionRequest{
		ThingName:          c.Thing,
		JobID:              job,
		ExecutionNumber:    c.Execution,
		IncludeJobDocument: &include,
	}).Wait(ctx)
	if err != nil {
		return err
	}
	return a.print(resp)
}

type jobsStartNextCmd struct {
	Thing       string   `help:"Name of the thing." required:""`
	Details     []string `help:"Status details as key=value pairs."`
	StepTimeout int64    `help:"Minutes before the execution times out, if it is not updated."`
}

func (c *jobsStartNextCmd) Run(a *app) error {
	details, err := parseDetails(c.Details)
	if err != nil {
		return err
	}

	ctx, cancel := a.request()
	defer cancel()

	resp, err := jobs.NewClient(a.engine).StartNextPendingJobExecution(ctx, &jobs.StartNextPendingJobExecutionRequest{
		ThingName:            c.Thing,
		StatusDetails:        details,
		StepTimeoutInMinutes: c.StepTimeout,
	}).Wait(ctx)
	if err != nil {
		return err
	}
	return a.print(resp)
}

type jobsUpdateCmd struct {
	Thing           string         `help:"Name of the thing." required:""`
	Job             string         `help:"Job identifier." required:""`
	Status          jobs.JobStatus `help:"New status of the execution." required:"" enum:"IN_PROGRESS,SUCCEEDED,FAILED,REJECTED"`
	Details         []string       `help:"Status details as key=value pairs."`
	ExpectedVersion int64          `help:"Fail unless the execution is at this version."`
}

func (c *jobsUpdateCmd) Run(a *app) error {
	details, err := parseDetails(c.Details)
	if err != nil {
		return err
	}

	ctx, cancel := a.request()
	defer cancel()

	includeState := true
	resp, err := jobs.NewClient(a.engine).UpdateJobExecution(ctx, &jobs.UpdateJobExecutionRequest{
		ThingName:                c.Thing,
		JobID:                    c.Job,
		ExpectedVersion:          c.ExpectedVersion,
		IncludeJobExecutionState: &includeState,
		Status:                   c.Status,
		StatusDetails:            details,
	}).Wait(ctx)
	if err != nil {
		return err
	}
	return a.print(resp)
}

type jobsWatchCmd struct {
	Thing string `help:"Name of the thing." required:""`
}

func (c *jobsWatchCmd) Run(a *app) error {
	ctx, cancel := a.request()
	defer cancel()

	cl := jobs.NewClient(a.engine)
	changed, err := cl.SubscribeToJobExecutionsChangedEvents(ctx, c.Thing, printer[*jobs.JobExecutionsChangedEvent](a))
	if err != nil {
		return err
	}
	next, err := cl.SubscribeToNextJobExecutionChangedEvents(ctx, c.Thing, printer[*jobs.NextJobExecutionChangedEvent](a))
	if err != nil {
		changed.Close()
		return err
	}
	return a.watch(changed, next)
}

func parseDetails(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	details := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid status detail %q, expected key=value", pair)
		}
		details[k] = v
	}
	return details, nil
}
