package models

import "time"

// TaskState tracks a load task through its lifecycle.
// A task never reverts to pending once in flight.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskInFlight  TaskState = "in_flight"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// LoadTask describes one logical historical-data fetch.
type LoadTask struct {
	ID       string        `json:"id"`
	Symbol   string        `json:"symbol"`
	Interval string        `json:"interval"`
	Count    int           `json:"count"`
	Priority int           `json:"priority,omitempty"`
	Deadline time.Duration `json:"deadline,omitempty"`
}

// SubRequest is one physical network call planned from a LoadTask.
// Index is the position of this call in the planned sequence; results
// are reassembled by index regardless of completion order.
type SubRequest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Limit    int    `json:"limit"`
	Weight   int    `json:"weight"`
	Index    int    `json:"index"`
}

// TaskResult is the outcome of one LoadTask. Klines is the merged,
// planned-order series when State is TaskCompleted, nil otherwise.
type TaskResult struct {
	Task    LoadTask  `json:"task"`
	State   TaskState `json:"state"`
	Klines  []Kline   `json:"-"`
	Err     error     `json:"-"`
	Elapsed time.Duration
}
