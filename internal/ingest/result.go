package ingest

import "time"

// State is the lifecycle position of one file.
type State string

const (
	StateListed    State = "listed"
	StateFetching  State = "fetching"
	StateDetecting State = "detecting"
	StateInserting State = "inserting"
	StatePersisted State = "persisted"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Error kinds recorded in FileError.Kind.
const (
	KindFetch     = "fetch"
	KindDecode    = "decode"
	KindDetect    = "detect"
	KindIndex     = "index"
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
)

// Run states reported in Result.State.
const (
	RunCompleted           = "completed"
	RunCompletedWithErrors = "completed_with_errors"
	RunUnchanged           = "unchanged"
	RunCancelled           = "cancelled"
)

// FileError describes why one file did not make it into the index.
type FileError struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Stage  State  `json:"stage"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// FileResult is the final state of one file.
type FileResult struct {
	FileID        string `json:"file_id"`
	Name          string `json:"name"`
	State         State  `json:"state"`
	FacesDetected int    `json:"faces_detected"`
	FacesInserted int    `json:"faces_inserted"`
	FromCache     bool   `json:"from_cache,omitempty"`
}

// Result summarizes an ingestion run.
type Result struct {
	Tenant        string        `json:"tenant"`
	Collection    string        `json:"collection"`
	Total         int           `json:"total"`
	Processed     int           `json:"processed"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	FacesDetected int           `json:"faces_detected"`
	FacesInserted int           `json:"faces_inserted"`
	Duplicates    int           `json:"duplicates"`
	Errors        []FileError   `json:"errors"`
	Files         []FileResult  `json:"files,omitempty"`
	State         string        `json:"state"`
	Duration      time.Duration `json:"duration"`
}

// Event is sent to the progress callback whenever a file changes state.
type Event struct {
	FileID string
	Name   string
	State  State
	Faces  int
	Err    error
	// Done counts files in a terminal state, out of Total.
	Done  int
	Total int
}

// ProgressFunc receives progress events. Calls are serialized.
type ProgressFunc func(Event)
