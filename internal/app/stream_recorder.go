package app

import (
	"bytes"
	"net/http"
	"sync"
)

// streamRecorder 是一个 ResponseWriter 包装器：每个写往客户端的分块
// 同时累积一份完整副本，供流结束后做遥测提取、日志与缓存写入。
// 累积量仅受上游响应自然大小约束。
type streamRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	mu         sync.Mutex
}

func newStreamRecorder(w http.ResponseWriter) *streamRecorder {
	return &streamRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

// WriteHeader 捕获状态码
func (r *streamRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Write 转发并累积响应数据
func (r *streamRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)

	r.mu.Lock()
	r.body.Write(b[:n])
	r.mu.Unlock()

	return n, err
}

// Flush 支持流式响应的增量下发
func (r *streamRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// StatusCode 获取捕获的状态码
func (r *streamRecorder) StatusCode() int {
	return r.statusCode
}

// Body 获取累积的响应体
func (r *streamRecorder) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Bytes()
}
