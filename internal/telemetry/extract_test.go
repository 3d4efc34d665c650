package telemetry

import "testing"

func TestExtract(t *testing.T) {
	ndjsonBody := `{"model":"llama3","response":"Hel","done":false}
{"model":"llama3","response":"lo","done":false}
{"model":"llama3","response":"!","done":false}
{"done":true,"prompt_eval_count":5,"eval_count":7,"prompt_eval_duration":200000000,"eval_duration":400000000}
`

	testCases := []struct {
		name string
		body string
		want Metrics
	}{
		{
			name: "NDJSON流式响应末尾带汇总对象",
			body: ndjsonBody,
			want: Metrics{PromptTokens: 5, CompletionTokens: 7, PromptEvalDurationMs: 200, EvalDurationMs: 400},
		},
		{
			name: "单个JSON对象（非流式）",
			body: `{"done":true,"prompt_eval_count":11,"eval_count":3,"prompt_eval_duration":1500000,"eval_duration":2500000}`,
			want: Metrics{PromptTokens: 11, CompletionTokens: 3, PromptEvalDurationMs: 1, EvalDurationMs: 2},
		},
		{
			name: "无汇总对象",
			body: "{\"response\":\"a\",\"done\":false}\n{\"response\":\"b\",\"done\":false}\n",
			want: Metrics{},
		},
		{
			name: "空响应体",
			body: "",
			want: Metrics{},
		},
		{
			name: "非JSON行穿插时跳过",
			body: "not json at all\n{\"done\":true,\"eval_count\":9}\ngarbage trailing line\n",
			want: Metrics{CompletionTokens: 9},
		},
		{
			name: "done:true但无遥测字段",
			body: "{\"response\":\"x\",\"done\":false}\n{\"done\":true}\n",
			want: Metrics{},
		},
		{
			name: "部分字段缺失默认为0",
			body: "{\"done\":true,\"prompt_eval_count\":4}",
			want: Metrics{PromptTokens: 4},
		},
		{
			name: "汇总行之后还有空白行（继续向前扫描）",
			body: "{\"done\":true,\"eval_count\":6,\"eval_duration\":3000000}\n\n   \n",
			want: Metrics{CompletionTokens: 6, EvalDurationMs: 3},
		},
		{
			name: "纯垃圾",
			body: "<<<>>>\n%%%%\n",
			want: Metrics{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract([]byte(tc.body))
			if got != tc.want {
				t.Errorf("Extract() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

// TestExtract_StopsAtSummary 汇总行命中后不再解析更早的分块
func TestExtract_StopsAtSummary(t *testing.T) {
	// 更早的行带有不同的 eval_count，如果扫描越过汇总行会读到错误值
	body := "{\"done\":true,\"eval_count\":999}\n{\"done\":true,\"eval_count\":42}\n"
	got := Extract([]byte(body))
	if got.CompletionTokens != 42 {
		t.Errorf("eval_count = %d, 应取最后一个汇总行的 42", got.CompletionTokens)
	}
}
