package model

// LogEntry 单次交互的完整记录（requests 表一行）
//
// duration_ms == 0 为缓存命中哨兵：仅缓存路径写入0，转发路径恒为正值
type LogEntry struct {
	ID                   int64  `json:"id"`
	Timestamp            string `json:"timestamp"` // SQLite DATETIME 文本（UTC）
	Method               string `json:"method"`
	Endpoint             string `json:"endpoint"`
	Model                string `json:"model"`
	RequestBody          string `json:"request_body"`
	ResponseStatus       int    `json:"response_status"`
	ResponseBody         string `json:"response_body"`
	DurationMs           int64  `json:"duration_ms"`
	PromptTokens         int    `json:"prompt_tokens"`
	CompletionTokens     int    `json:"completion_tokens"`
	PromptEvalDurationMs int64  `json:"prompt_eval_duration_ms"`
	EvalDurationMs       int64  `json:"eval_duration_ms"`
	TtftMs               int64  `json:"ttft_ms"`
	IsStarred            bool   `json:"is_starred"`
}

// Metrics 日志表的聚合指标（按需三次扫描得出）
type Metrics struct {
	TotalRequests int     `json:"total_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// DashboardSnapshot 仪表盘每秒推送的聚合快照
type DashboardSnapshot struct {
	Logs         []*LogEntry `json:"logs"`
	Metrics      Metrics     `json:"metrics"`
	RunningModel string      `json:"running_model"`
}
