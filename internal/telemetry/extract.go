package telemetry

import (
	"bytes"

	"github.com/bytedance/sonic"
)

// Metrics 从流式响应体中提取的遥测数据（缺失字段为0）
type Metrics struct {
	PromptTokens         int
	CompletionTokens     int
	PromptEvalDurationMs int64
	EvalDurationMs       int64
}

const nanosPerMilli = 1_000_000

// summaryLine NDJSON 末尾汇总对象的上游字段
type summaryLine struct {
	Done               *bool  `json:"done"`
	PromptEvalCount    *int   `json:"prompt_eval_count"`
	EvalCount          *int   `json:"eval_count"`
	PromptEvalDuration *int64 `json:"prompt_eval_duration"` // 纳秒
	EvalDuration       *int64 `json:"eval_duration"`        // 纳秒
}

// Extract 解析 NDJSON 响应体，提取 token 计数与分段耗时
//
// 流式响应以汇总对象结尾，因此从缓冲区末尾向前逐行扫描：
// 命中任一已知遥测字段、或 "done":true 的行即为汇总行，到此为止。
// 单个JSON对象的非流式响应同样被该扫描覆盖。解析失败的行跳过；
// 任何情况下不报错，兜底返回全零。
func Extract(responseBody []byte) Metrics {
	var m Metrics

	pos := len(responseBody)
	for pos > 0 {
		lineStart := bytes.LastIndexByte(responseBody[:pos], '\n') + 1
		line := bytes.TrimSpace(responseBody[lineStart:pos])

		if len(line) > 0 && line[0] == '{' {
			var summary summaryLine
			if err := sonic.Unmarshal(line, &summary); err == nil {
				found := false
				if summary.PromptEvalCount != nil {
					m.PromptTokens = *summary.PromptEvalCount
					found = true
				}
				if summary.EvalCount != nil {
					m.CompletionTokens = *summary.EvalCount
					found = true
				}
				if summary.PromptEvalDuration != nil {
					m.PromptEvalDurationMs = *summary.PromptEvalDuration / nanosPerMilli
					found = true
				}
				if summary.EvalDuration != nil {
					m.EvalDurationMs = *summary.EvalDuration / nanosPerMilli
					found = true
				}

				if found || (summary.Done != nil && *summary.Done) {
					break
				}
			}
		}

		if lineStart == 0 {
			break
		}
		pos = lineStart - 1
	}

	return m
}
