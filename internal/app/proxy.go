package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"sectorflux/internal/config"
	"sectorflux/internal/model"
	"sectorflux/internal/telemetry"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
)

// ============================================================================
// 请求解析
// ============================================================================

// extractModelFromRequest 从请求JSON中提取 model 字段，失败回退 "unknown"
func extractModelFromRequest(requestBody []byte) string {
	var payload struct {
		Model string `json:"model"`
	}
	if err := sonic.Unmarshal(requestBody, &payload); err != nil || payload.Model == "" {
		return "unknown"
	}
	return payload.Model
}

// ============================================================================
// 代理POST端点（/api/generate、/api/chat）
// ============================================================================

// HandleGenerate POST /api/generate
func (s *Server) HandleGenerate(c *gin.Context) {
	s.forward(c, "/api/generate")
}

// HandleChat POST /api/chat
func (s *Server) HandleChat(c *gin.Context) {
	s.forward(c, "/api/chat")
}

// forward 转发一次代理POST：缓存查找 → 上游流式转发 → 遥测提取 → 异步落库
//
// 请求体在进入流式回调路径前先拷贝持有——响应开始下发后不得再
// 引用原请求对象
func (s *Server) forward(c *gin.Context, targetPath string) {
	start := time.Now()

	requestBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "failed to read request body")
		return
	}

	modelName := extractModelFromRequest(requestBody)

	// 缓存资格：全局开关关闭或请求携带绕过头时，查找与写入都跳过
	skipCache := !s.cacheEnabled.Load() ||
		c.GetHeader("X-SectorFlux-No-Cache") == "true"

	// 1. 缓存路径
	if !skipCache {
		if status, cached, ok := s.store.GetCachedResponse(c.Request.Context(), string(requestBody)); ok {
			log.Printf("[INFO] 缓存命中: %s", targetPath)
			c.Header("X-SectorFlux-Cache", "HIT")
			c.Data(status, "application/json", []byte(cached))

			// duration_ms=0 为缓存命中哨兵；TTFT与分段耗时同样记0
			metrics := telemetry.Extract([]byte(cached))
			s.store.SubmitLog(&model.LogEntry{
				Method:           "POST",
				Endpoint:         targetPath,
				Model:            modelName,
				RequestBody:      string(requestBody),
				ResponseStatus:   status,
				ResponseBody:     cached,
				DurationMs:       0,
				PromptTokens:     metrics.PromptTokens,
				CompletionTokens: metrics.CompletionTokens,
			})
			return
		}
	}

	// 2. 转发路径
	log.Printf("[INFO] 转发请求: %s%s", s.ollamaHost, targetPath)

	c.Header("Content-Type", "application/json")
	c.Header("X-SectorFlux-Cache", "MISS")

	ctx, cancel := context.WithTimeout(c.Request.Context(), config.ProxyTimeout)
	defer cancel()

	recorder := newStreamRecorder(c.Writer)
	ttftMs, upstreamErr := s.streamFromUpstream(ctx, targetPath, requestBody, recorder, start)

	accumulated := recorder.Body()
	status := recorder.StatusCode()

	if upstreamErr != nil {
		status = http.StatusInternalServerError
		errBody := fmt.Sprintf("Error forwarding request to Ollama: %v", upstreamErr)
		c.String(status, errBody)
		accumulated = []byte(errBody)
	} else if status == http.StatusOK && len(accumulated) > 0 && !skipCache {
		// 3. 仅缓存成功且非空的响应；绕过缓存的调用也不回写
		s.store.SubmitCachePut(string(requestBody), status, string(accumulated))
	}

	// 4. 落库（转发路径 duration 恒为正）
	durationMs := time.Since(start).Milliseconds()
	if durationMs == 0 {
		durationMs = 1
	}
	metrics := telemetry.Extract(accumulated)
	s.store.SubmitLog(&model.LogEntry{
		Method:               "POST",
		Endpoint:             targetPath,
		Model:                modelName,
		RequestBody:          string(requestBody),
		ResponseStatus:       status,
		ResponseBody:         string(accumulated),
		DurationMs:           durationMs,
		PromptTokens:         metrics.PromptTokens,
		CompletionTokens:     metrics.CompletionTokens,
		PromptEvalDurationMs: metrics.PromptEvalDurationMs,
		EvalDurationMs:       metrics.EvalDurationMs,
		TtftMs:               ttftMs,
	})
}

// streamFromUpstream 发起上游POST并把响应分块写入 recorder
// 首个分块到达时记录TTFT；字节顺序与上游一致，每块后立即Flush
func (s *Server) streamFromUpstream(
	ctx context.Context,
	targetPath string,
	requestBody []byte,
	recorder *streamRecorder,
	start time.Time,
) (ttftMs int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.ollamaHost+targetPath, bytes.NewReader(requestBody))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	recorder.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if ttftMs == 0 {
				ttftMs = time.Since(start).Milliseconds()
				if ttftMs == 0 {
					ttftMs = 1
				}
			}
			if _, writeErr := recorder.Write(buf[:n]); writeErr != nil {
				// 客户端断开：上游读取随之终止，已累积部分照常落库
				log.Printf("[WARN] 客户端写入中断: %v", writeErr)
				return ttftMs, nil
			}
			recorder.Flush()
		}
		if readErr != nil {
			if readErr == io.EOF {
				return ttftMs, nil
			}
			// 流中途失败：状态码已写出，不再回报为500，按已收数据处理
			log.Printf("[WARN] 上游流读取中断: %v", readErr)
			return ttftMs, nil
		}
	}
}

// ============================================================================
// 透传GET端点（/api/tags、/api/ps）
// ============================================================================

// HandleProxyTags GET /api/tags
func (s *Server) HandleProxyTags(c *gin.Context) {
	s.proxyGet(c, "/api/tags")
}

// HandleProxyPs GET /api/ps
func (s *Server) HandleProxyPs(c *gin.Context) {
	s.proxyGet(c, "/api/ps")
}

// proxyGet 非流式透传GET，5秒超时
func (s *Server) proxyGet(c *gin.Context, endpoint string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), config.ProxyGetTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ollamaHost+endpoint, nil)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to fetch from Ollama")
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to fetch from Ollama")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.String(http.StatusInternalServerError, "Failed to fetch from Ollama")
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to fetch from Ollama")
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}
