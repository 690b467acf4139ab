package model

import "time"

// JobStatus is the lifecycle state of a scan job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ScanJob is a bulk run of requests from one collection
type ScanJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CollectionID   string     `json:"collectionId"`
	RequestIDs     []string   `json:"requestIds"`
	ParameterSetID string     `json:"parameterSetId,omitempty"`
	ProxyPoolID    string     `json:"proxyPoolId,omitempty"`
	Concurrency    int        `json:"concurrency"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// ScanJobPatch carries the fields to change on a job; nil fields are left alone
type ScanJobPatch struct {
	Status    *JobStatus
	Progress  *int
	Error     *string
	StartedAt *time.Time
	EndedAt   *time.Time

	// IfStatus makes the update conditional on the stored status
	IfStatus *JobStatus
}

// ScanResult is one executed variant of a request within a job
type ScanResult struct {
	ID              string            `json:"id"`
	JobID           string            `json:"jobId"`
	RequestID       string            `json:"requestId"`
	Status          int               `json:"status"`
	StatusText      string            `json:"statusText"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	ResponseTime    int64             `json:"responseTime"`
	ResponseSize    int64             `json:"responseSize"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	ResponseBody    string            `json:"responseBody"`
	Error           *string           `json:"error"`
	TestResults     []TestResult      `json:"testResults"`
	Parameters      map[string]string `json:"parameters"`
	ProxyID         *string           `json:"proxyId"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Passed reports whether the result has no error and every test passed
func (r ScanResult) Passed() bool {
	if r.Error != nil {
		return false
	}
	for _, t := range r.TestResults {
		if !t.Passed {
			return false
		}
	}
	return true
}
