package models

// Snapshot is a point-in-time view of admission-gate usage.
type Snapshot struct {
	WeightUsed      int     `json:"weight_used"`
	WeightLimit     int     `json:"weight_limit"`
	WeightPercent   float64 `json:"weight_percent"`
	RequestsUsed    int     `json:"requests_used"`
	RequestLimit    int     `json:"request_limit"`
	RequestPercent  float64 `json:"request_percent"`
	Blocked         int64   `json:"blocked"`
	Retried         int64   `json:"retried"`
	TotalGranted    int64   `json:"total_granted"`
	TotalWeight     int64   `json:"total_weight"`
	LastServerUsage int     `json:"last_server_usage,omitempty"`
}
