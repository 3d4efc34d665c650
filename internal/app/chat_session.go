package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"sectorflux/internal/config"
	"sectorflux/internal/model"
	"sectorflux/internal/telemetry"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// chatSession 单个 /ws/chat 连接的状态
//
// active 为协作式取消标志：关闭连接置 false，转发中的 worker 在下一个
// 分块边界检测到后中止上游读取，且不为该次中止的回合落库
type chatSession struct {
	id   string // 连接建立时分配的会话ID（作为注册表键，替代句柄身份）
	conn *websocket.Conn

	active     atomic.Bool
	forwarding atomic.Bool

	// gorilla/websocket 要求同一时刻至多一个写者；
	// worker 与错误路径的发送都经由该锁串行化
	writeMu sync.Mutex
}

func (cs *chatSession) sendText(payload []byte) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	return cs.conn.WriteMessage(websocket.TextMessage, payload)
}

// ============================================================================
// 会话注册表
// ============================================================================

type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*chatSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*chatSession)}
}

func (r *sessionRegistry) add(cs *chatSession) {
	r.mu.Lock()
	r.sessions[cs.id] = cs
	r.mu.Unlock()
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// closeAll 关停时终止所有在线会话
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cs := range r.sessions {
		cs.active.Store(false)
		cs.conn.Close()
	}
}

// ============================================================================
// WebSocket 聊天端点
// ============================================================================

// HandleChatWS GET /ws/chat
// 每条入站文本帧为一个聊天回合：{model, messages}；
// 服务端逐分块回推上游NDJSON，或回推单个错误对象
func (s *Server) HandleChatWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket升级失败: %v", err)
		return
	}

	session := &chatSession{id: uuid.NewString(), conn: conn}
	session.active.Store(true)
	s.sessions.add(session)
	log.Printf("[INFO] 聊天会话建立: %s", session.id)

	defer func() {
		session.active.Store(false)
		s.sessions.remove(session.id)
		conn.Close()
		log.Printf("[INFO] 聊天会话关闭: %s", session.id)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// 连接关闭：置 inactive，转发中的 worker 在下个分块中止
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		// 上一个转发仍在进行时拒绝新回合（原始实现会直接顶掉活动标志，
		// 未完成的 worker 泄漏；这里改为显式拒绝，见 DESIGN.md）
		if !session.forwarding.CompareAndSwap(false, true) {
			_ = session.sendText([]byte(`{"error": "Previous request still in progress"}`))
			continue
		}

		s.wg.Add(1)
		go func(message []byte) {
			defer s.wg.Done()
			defer session.forwarding.Store(false)
			s.handleChatTurn(session, message)
		}(data)
	}
}

// chatTurnRequest 入站回合载荷；messages 原样透传
type chatTurnRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
}

// chatUpstreamRequest 上游请求体：无论客户端如何设置，强制 stream:true
type chatUpstreamRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// handleChatTurn 处理一个聊天回合（worker 协程）
func (s *Server) handleChatTurn(session *chatSession, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] 聊天回合panic: %v", r)
			if session.active.Load() {
				_ = session.sendText([]byte(`{"error": "Internal Server Error"}`))
			}
		}
	}()

	var turn chatTurnRequest
	if err := sonic.Unmarshal(message, &turn); err != nil {
		_ = session.sendText([]byte(`{"error": "Invalid JSON"}`))
		return
	}

	modelName := turn.Model
	if modelName == "" {
		modelName = "unknown"
	}

	// 1. 缓存路径：键为入站消息原文（与HTTP路径的键空间不重叠）
	if s.cacheEnabled.Load() {
		if status, cached, ok := s.store.GetCachedResponse(context.Background(), string(message)); ok {
			log.Print("[INFO] 缓存命中: WebSocket聊天")
			_ = session.sendText([]byte(cached))

			metrics := telemetry.Extract([]byte(cached))
			s.store.SubmitLog(&model.LogEntry{
				Method:           "POST",
				Endpoint:         "/api/chat",
				Model:            modelName,
				RequestBody:      string(message),
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
	start := time.Now()

	upstreamBody, err := sonic.Marshal(chatUpstreamRequest{
		Model:    turn.Model,
		Messages: turn.Messages,
		Stream:   true,
	})
	if err != nil {
		_ = session.sendText([]byte(`{"error": "Invalid JSON"}`))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ChatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.ollamaHost+"/api/chat", bytes.NewReader(upstreamBody))
	if err != nil {
		if session.active.Load() {
			_ = session.sendText([]byte(`{"error": "Failed to connect to Ollama"}`))
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if session.active.Load() {
			_ = session.sendText([]byte(`{"error": "Failed to connect to Ollama"}`))
		}
		return
	}
	defer resp.Body.Close()

	// 3. 流式回推：每个分块边界检查 active，已失活则中止上游读取
	var fullResponse bytes.Buffer
	var ttftMs int64
	aborted := false

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
			if !session.active.Load() {
				aborted = true
				break
			}
			fullResponse.Write(buf[:n])
			if err := session.sendText(buf[:n]); err != nil {
				aborted = true
				break
			}
		}
		if readErr != nil {
			if readErr != io.EOF && session.active.Load() {
				_ = session.sendText([]byte(`{"error": "Failed to connect to Ollama"}`))
				return
			}
			break
		}
	}

	// 4. 中止的回合不落库
	if aborted || !session.active.Load() {
		return
	}

	if resp.StatusCode != http.StatusOK {
		_ = session.sendText([]byte(`{"error": "Failed to connect to Ollama"}`))
		return
	}

	durationMs := time.Since(start).Milliseconds()
	if durationMs == 0 {
		durationMs = 1
	}
	metrics := telemetry.Extract(fullResponse.Bytes())
	s.store.SubmitLog(&model.LogEntry{
		Method:               "POST",
		Endpoint:             "/api/chat",
		Model:                modelName,
		RequestBody:          string(message),
		ResponseStatus:       http.StatusOK,
		ResponseBody:         fullResponse.String(),
		DurationMs:           durationMs,
		PromptTokens:         metrics.PromptTokens,
		CompletionTokens:     metrics.CompletionTokens,
		PromptEvalDurationMs: metrics.PromptEvalDurationMs,
		EvalDurationMs:       metrics.EvalDurationMs,
		TtftMs:               ttftMs,
	})

	if s.cacheEnabled.Load() && fullResponse.Len() > 0 {
		s.store.SubmitCachePut(string(message), http.StatusOK, fullResponse.String())
	}
}
