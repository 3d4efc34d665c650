package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"sectorflux/internal/model"
	"sectorflux/internal/storage"
	"sectorflux/internal/testutil"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 固定的NDJSON fixture：三个分块 + 汇总对象
var fixtureChunks = []string{
	"{\"model\":\"llama3\",\"response\":\"Hel\",\"done\":false}\n",
	"{\"model\":\"llama3\",\"response\":\"lo\",\"done\":false}\n",
	"{\"model\":\"llama3\",\"response\":\"!\",\"done\":false}\n",
	"{\"done\":true,\"prompt_eval_count\":5,\"eval_count\":7,\"prompt_eval_duration\":200000000,\"eval_duration\":400000000}\n",
}

func fixtureBody() string {
	return strings.Join(fixtureChunks, "")
}

type proxyTestEnv struct {
	server  *Server
	router  *gin.Engine
	fixture *testutil.OllamaFixture
	store   *storage.Store
}

func newProxyTestEnv(t *testing.T) *proxyTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "proxy_test.db"))
	require.NoError(t, err)

	fixture := testutil.NewOllamaFixture(fixtureChunks)
	t.Cleanup(fixture.Close)

	server := NewServer(store, fixture.URL())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	router := gin.New()
	server.SetupRoutes(router)

	return &proxyTestEnv{server: server, router: router, fixture: fixture, store: store}
}

func (env *proxyTestEnv) post(t *testing.T, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *proxyTestEnv) topLog(t *testing.T) *model.LogEntry {
	t.Helper()
	env.store.Flush(2 * time.Second)
	logs, err := env.store.GetLogs(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	return logs[0]
}

const generateBody = `{"model":"llama3","prompt":"hi"}`

// TestForward_RoundTrip 场景1：客户端字节与上游分块拼接逐字节一致，
// 日志行携带提取的遥测数据
func TestForward_RoundTrip(t *testing.T) {
	env := newProxyTestEnv(t)

	w := env.post(t, "/api/generate", generateBody, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-SectorFlux-Cache"))
	assert.Equal(t, fixtureBody(), w.Body.String())

	// 上游收到的请求体原样透传
	require.Equal(t, 1, env.fixture.RequestCount())
	assert.Equal(t, generateBody, string(env.fixture.Requests()[0]))

	entry := env.topLog(t)
	assert.Equal(t, "POST", entry.Method)
	assert.Equal(t, "/api/generate", entry.Endpoint)
	assert.Equal(t, "llama3", entry.Model)
	assert.Equal(t, generateBody, entry.RequestBody)
	assert.Equal(t, fixtureBody(), entry.ResponseBody)
	assert.Equal(t, 200, entry.ResponseStatus)
	assert.Equal(t, 5, entry.PromptTokens)
	assert.Equal(t, 7, entry.CompletionTokens)
	assert.Equal(t, int64(200), entry.PromptEvalDurationMs)
	assert.Equal(t, int64(400), entry.EvalDurationMs)
	assert.Positive(t, entry.DurationMs, "转发路径duration恒为正")
	assert.Positive(t, entry.TtftMs)
	assert.LessOrEqual(t, entry.TtftMs, entry.DurationMs, "TTFT不超过总耗时")
}

// TestForward_CacheHit 场景2：相同请求体第二次命中缓存，duration_ms=0哨兵
func TestForward_CacheHit(t *testing.T) {
	env := newProxyTestEnv(t)

	first := env.post(t, "/api/generate", generateBody, nil)
	require.Equal(t, "MISS", first.Header().Get("X-SectorFlux-Cache"))
	env.store.Flush(2 * time.Second)

	second := env.post(t, "/api/generate", generateBody, nil)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-SectorFlux-Cache"))
	assert.Equal(t, fixtureBody(), second.Body.String())

	// 上游只被调用过一次
	assert.Equal(t, 1, env.fixture.RequestCount())

	entry := env.topLog(t)
	assert.Zero(t, entry.DurationMs, "缓存命中哨兵")
	assert.Zero(t, entry.TtftMs)
	assert.Zero(t, entry.PromptEvalDurationMs)
	assert.Zero(t, entry.EvalDurationMs)
	// token计数来自缓存体的遥测提取
	assert.Equal(t, 5, entry.PromptTokens)
	assert.Equal(t, 7, entry.CompletionTokens)
}

// TestForward_NoCacheHeader 场景3：绕过头既不查缓存也不写缓存
func TestForward_NoCacheHeader(t *testing.T) {
	env := newProxyTestEnv(t)

	// 先正常请求一次，产生缓存条目
	env.post(t, "/api/generate", generateBody, nil)
	env.store.Flush(2 * time.Second)

	bypass := map[string]string{"X-SectorFlux-No-Cache": "true"}
	w := env.post(t, "/api/generate", generateBody, bypass)

	assert.Equal(t, "MISS", w.Header().Get("X-SectorFlux-Cache"))
	assert.Equal(t, 2, env.fixture.RequestCount(), "绕过头必须打到上游")

	entry := env.topLog(t)
	assert.Positive(t, entry.DurationMs)
}

// TestForward_CacheDisabled 场景4：全局开关关闭后不再命中
func TestForward_CacheDisabled(t *testing.T) {
	env := newProxyTestEnv(t)

	env.post(t, "/api/generate", generateBody, nil)
	env.store.Flush(2 * time.Second)

	// 通过管理端点关闭缓存
	w := env.post(t, "/api/config/cache", `{"enabled":false}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.server.IsCacheEnabled())

	w = env.post(t, "/api/generate", generateBody, nil)
	assert.Equal(t, "MISS", w.Header().Get("X-SectorFlux-Cache"))
	assert.Equal(t, 2, env.fixture.RequestCount())
}

// TestForward_UpstreamDown 上游不可达时返回500与诊断体，且仍然落库
func TestForward_UpstreamDown(t *testing.T) {
	env := newProxyTestEnv(t)
	env.fixture.Close() // 模拟Ollama离线

	w := env.post(t, "/api/generate", generateBody, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Error forwarding request to Ollama:")

	entry := env.topLog(t)
	assert.Equal(t, 500, entry.ResponseStatus)
	assert.Contains(t, entry.ResponseBody, "Error forwarding request to Ollama:")
	assert.Positive(t, entry.DurationMs)
	// 失败响应不入缓存
	_, _, ok := env.store.GetCachedResponse(context.Background(), generateBody)
	assert.False(t, ok)
}

// TestForward_ModelFallback model字段缺失或非法时记为unknown
func TestForward_ModelFallback(t *testing.T) {
	env := newProxyTestEnv(t)

	env.post(t, "/api/generate", `{"prompt":"no model"}`, nil)
	entry := env.topLog(t)
	assert.Equal(t, "unknown", entry.Model)

	env.post(t, "/api/generate", `not json`, map[string]string{"X-SectorFlux-No-Cache": "true"})
	entry = env.topLog(t)
	assert.Equal(t, "unknown", entry.Model)
}

// TestProxyGet /api/tags 透传
func TestProxyGet(t *testing.T) {
	env := newProxyTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"models":[{"name":"llama3"}]}`, w.Body.String())
}

// TestReplay 重放存储的请求体到存储的端点，绕过缓存
func TestReplay(t *testing.T) {
	env := newProxyTestEnv(t)

	env.post(t, "/api/generate", generateBody, nil)
	entry := env.topLog(t)

	req := httptest.NewRequest(http.MethodPost, "/api/replay/"+itoa(entry.ID), nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-SectorFlux-Cache"), "重放必须绕过缓存")
	assert.Equal(t, fixtureBody(), w.Body.String())
	assert.Equal(t, 2, env.fixture.RequestCount())

	// 重放产生的新日志行使用原端点与原请求体
	replayEntry := env.topLog(t)
	assert.NotEqual(t, entry.ID, replayEntry.ID)
	assert.Equal(t, entry.Endpoint, replayEntry.Endpoint)
	assert.Equal(t, entry.RequestBody, replayEntry.RequestBody)
}

// TestReplay_NotFound 不存在的id返回404
func TestReplay_NotFound(t *testing.T) {
	env := newProxyTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/replay/99999", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestMetricsEndpoint 指标端点反映缓存命中哨兵
func TestMetricsEndpoint(t *testing.T) {
	env := newProxyTestEnv(t)

	env.post(t, "/api/generate", generateBody, nil)
	env.store.Flush(2 * time.Second)
	env.post(t, "/api/generate", generateBody, nil) // 命中
	env.store.Flush(2 * time.Second)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var metrics model.Metrics
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &metrics))
	assert.Equal(t, 2, metrics.TotalRequests)
	assert.InDelta(t, 0.5, metrics.CacheHitRate, 0.001)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
