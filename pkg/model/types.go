package model

// ThroughputTarget 是一个下载测速目标
type ThroughputTarget struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// LatencyResult 是单个 URL 的 HTTP 延迟测试结果
type LatencyResult struct {
	Success    bool
	StatusCode int     // 失败时为 0
	ElapsedMs  float64 // 失败时为 -1
	Err        error
}

// ThroughputSample 是单个目标的下载测速结果
type ThroughputSample struct {
	TimedOut  bool    `json:"timed_out"`
	SpeedMBps float64 `json:"speed_mbps"`
	ElapsedS  float64 `json:"elapsed_s"`
	// Reason 仅在 TimedOut 时存在
	Reason string `json:"reason,omitempty"`
	// DownloadedMB 仅在未超时时有意义
	DownloadedMB    float64 `json:"downloaded_mb,omitempty"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	SmoothedMBps    float64 `json:"smoothed_mbps"`
}

// NodeResult 是一个节点的最终测试结果
type NodeResult struct {
	Node      string  `json:"node"`
	LatencyMs float64 `json:"latency_ms"`
	SpeedMBps float64 `json:"speed_mbps"`
}
