package jobs

import (
	"fmt"
)

// JobStatus is the status of a job execution.
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusTimedOut   JobStatus = "TIMED_OUT"
	StatusFailed     JobStatus = "FAILED"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusCanceled   JobStatus = "CANCELED"
	StatusRejected   JobStatus = "REJECTED"
	StatusRemoved    JobStatus = "REMOVED"
)

// Terminal reports whether no further update is accepted in this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusTimedOut, StatusFailed, StatusSucceeded, StatusCanceled, StatusRejected, StatusRemoved:
		return true
	}
	return false
}

// RejectedErrorCode is the reason a request was rejected.
type RejectedErrorCode string

const (
	CodeInvalidTopic           RejectedErrorCode = "InvalidTopic"
	CodeInvalidJSON            RejectedErrorCode = "InvalidJson"
	CodeInvalidRequest         RejectedErrorCode = "InvalidRequest"
	CodeInvalidStateTransition RejectedErrorCode = "InvalidStateTransition"
	CodeResourceNotFound       RejectedErrorCode = "ResourceNotFound"
	CodeVersionMismatch        RejectedErrorCode = "VersionMismatch"
	CodeInternalError          RejectedErrorCode = "InternalError"
	CodeRequestThrottled       RejectedErrorCode = "RequestThrottled"
	CodeTerminalStateReached   RejectedErrorCode = "TerminalStateReached"
)

// JobExecutionData describes one execution of a job on a thing.
// Timestamps are in seconds since the epoch.
type JobExecutionData struct {
	ExecutionNumber int64             `json:"executionNumber,omitempty"`
	JobDocument     map[string]any    `json:"jobDocument,omitempty"`
	JobID           string            `json:"jobId"`
	LastUpdatedAt   int64             `json:"lastUpdatedAt,omitempty"`
	QueuedAt        int64             `json:"queuedAt,omitempty"`
	StartedAt       int64             `json:"startedAt,omitempty"`
	Status          JobStatus         `json:"status,omitempty"`
	StatusDetails   map[string]string `json:"statusDetails,omitempty"`
	ThingName       string            `json:"thingName,omitempty"`
	VersionNumber   int64             `json:"versionNumber,omitempty"`
}

type JobExecutionState struct {
	Status        JobStatus         `json:"status,omitempty"`
	StatusDetails map[string]string `json:"statusDetails,omitempty"`
	VersionNumber int64             `json:"versionNumber,omitempty"`
}

type JobExecutionSummary struct {
	ExecutionNumber int64  `json:"executionNumber,omitempty"`
	JobID           string `json:"jobId"`
	LastUpdatedAt   int64  `json:"lastUpdatedAt,omitempty"`
	QueuedAt        int64  `json:"queuedAt,omitempty"`
	StartedAt       int64  `json:"startedAt,omitempty"`
	VersionNumber   int64  `json:"versionNumber,omitempty"`
}

type DescribeJobExecutionRequest struct {
	ThingName string `json:"-"`
	// JobID may be `$next` to describe the next pending execution.
	JobID              string `json:"-"`
	ClientToken        string `json:"clientToken,omitempty"`
	ExecutionNumber    int64  `json:"executionNumber,omitempty"`
	IncludeJobDocument *bool  `json:"includeJobDocument,omitempty"`
}

func (r *DescribeJobExecutionRequest) CorrelationToken() string       { return r.ClientToken }
func (r *DescribeJobExecutionRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

type DescribeJobExecutionResponse struct {
	ClientToken string            `json:"clientToken,omitempty"`
	Execution   *JobExecutionData `json:"execution,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
}

func (r *DescribeJobExecutionResponse) CorrelationToken() string { return r.ClientToken }

type GetPendingJobExecutionsRequest struct {
	ThingName   string `json:"-"`
	ClientToken string `json:"clientToken,omitempty"`
}

func (r *GetPendingJobExecutionsRequest) CorrelationToken() string       { return r.ClientToken }
func (r *GetPendingJobExecutionsRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

type GetPendingJobExecutionsResponse struct {
	ClientToken    string                `json:"clientToken,omitempty"`
	InProgressJobs []JobExecutionSummary `json:"inProgressJobs,omitempty"`
	QueuedJobs     []JobExecutionSummary `json:"queuedJobs,omitempty"`
	Timestamp      int64                 `json:"timestamp,omitempty"`
}

func (r *GetPendingJobExecutionsResponse) CorrelationToken() string { return r.ClientToken }

type StartNextPendingJobExecutionRequest struct {
	ThingName            string            `json:"-"`
	ClientToken          string            `json:"clientToken,omitempty"`
	StatusDetails        map[string]string `json:"statusDetails,omitempty"`
	StepTimeoutInMinutes int64             `json:"stepTimeoutInMinutes,omitempty"`
}

func (r *StartNextPendingJobExecutionRequest) CorrelationToken() string       { return r.ClientToken }
func (r *StartNextPendingJobExecutionRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

// StartNextJobExecutionResponse has no execution when nothing is pending.
type StartNextJobExecutionResponse struct {
	ClientToken string            `json:"clientToken,omitempty"`
	Execution   *JobExecutionData `json:"execution,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
}

func (r *StartNextJobExecutionResponse) CorrelationToken() string { return r.ClientToken }

type UpdateJobExecutionRequest struct {
	ThingName string `json:"-"`
	JobID     string `json:"-"`

	ClientToken              string            `json:"clientToken,omitempty"`
	ExecutionNumber          int64             `json:"executionNumber,omitempty"`
	ExpectedVersion          int64             `json:"expectedVersion,omitempty"`
	IncludeJobDocument       *bool             `json:"includeJobDocument,omitempty"`
	IncludeJobExecutionState *bool             `json:"includeJobExecutionState,omitempty"`
	Status                   JobStatus         `json:"status,omitempty"`
	StatusDetails            map[string]string `json:"statusDetails,omitempty"`
	StepTimeoutInMinutes     int64             `json:"stepTimeoutInMinutes,omitempty"`
}

func (r *UpdateJobExecutionRequest) CorrelationToken() string       { return r.ClientToken }
func (r *UpdateJobExecutionRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

type UpdateJobExecutionResponse struct {
	ClientToken    string             `json:"clientToken,omitempty"`
	ExecutionState *JobExecutionState `json:"executionState,omitempty"`
	JobDocument    map[string]any     `json:"jobDocument,omitempty"`
	Timestamp      int64              `json:"timestamp,omitempty"`
}

func (r *UpdateJobExecutionResponse) CorrelationToken() string { return r.ClientToken }

// JobExecutionsChangedEvent lists the pending executions of a thing, by
// status, whenever one is added or completes.
type JobExecutionsChangedEvent struct {
	Jobs      map[JobStatus][]JobExecutionSummary `json:"jobs,omitempty"`
	Timestamp int64                               `json:"timestamp,omitempty"`
}

// NextJobExecutionChangedEvent is published when the next pending
// execution of a thing changes. Execution is nil once none is left.
type NextJobExecutionChangedEvent struct {
	Execution *JobExecutionData `json:"execution,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// RejectedError is published on the rejected topic of every operation.
// It is the error a rejected future fails with.
type RejectedError struct {
	ClientToken    string             `json:"clientToken,omitempty"`
	Code           RejectedErrorCode  `json:"code"`
	ExecutionState *JobExecutionState `json:"executionState,omitempty"`
	Message        string             `json:"message,omitempty"`
	Timestamp      int64              `json:"timestamp,omitempty"`
}

func (e *RejectedError) CorrelationToken() string { return e.ClientToken }

func (e *RejectedError) Error() string {
	return fmt.Sprintf("jobs: rejected (%s): %s", e.Code, e.Message)
}
