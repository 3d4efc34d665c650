package app

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"sectorflux/internal/config"
	"sectorflux/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Server struct {
	// ============================================================================
	// 核心字段
	// ============================================================================
	store      *storage.Store // 持久化存储（日志+缓存+指标）
	client     *http.Client   // 上游HTTP客户端（超时由每请求context控制）
	ollamaHost string         // 上游守护进程地址

	// 进程级缓存开关（所有请求协程可见）
	cacheEnabled atomic.Bool

	// WebSocket
	upgrader  websocket.Upgrader
	sessions  *sessionRegistry  // /ws/chat 会话注册表
	dashboard *DashboardService // /ws/dashboard 广播服务

	// 优雅关闭机制
	shutdownCh     chan struct{}
	isShuttingDown atomic.Bool
	wg             sync.WaitGroup
	stopFn         func() // 由 main 注入，/api/shutdown 触发进程关停
}

func NewServer(store *storage.Store, ollamaHost string) *Server {
	s := &Server{
		store:      store,
		ollamaHost: ollamaHost,
		client: &http.Client{
			Transport: buildHTTPTransport(),
			Timeout:   0, // 不设全局超时，流式长响应由每请求context deadline控制
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 本地单机工具，仪表盘与代理同源，放开跨源检查
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions:   newSessionRegistry(),
		shutdownCh: make(chan struct{}),
	}
	s.cacheEnabled.Store(true)

	s.dashboard = NewDashboardService(store, ollamaHost, s.shutdownCh)
	s.dashboard.Start(&s.wg)

	return s
}

// buildHTTPTransport 构建上游HTTP Transport（连接复用，避免每次转发重新握手）
func buildHTTPTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   config.HTTPDialTimeout,
		KeepAlive: config.HTTPKeepAliveInterval,
	}

	return &http.Transport{
		MaxIdleConns:        config.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: config.HTTPMaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         dialer.DialContext,
	}
}

// SetStopFunc 注入进程关停回调（/api/shutdown 使用）
func (s *Server) SetStopFunc(fn func()) {
	s.stopFn = fn
}

// SetCacheEnabled 设置进程级缓存开关
func (s *Server) SetCacheEnabled(enabled bool) {
	s.cacheEnabled.Store(enabled)
}

// IsCacheEnabled 读取进程级缓存开关
func (s *Server) IsCacheEnabled() bool {
	return s.cacheEnabled.Load()
}

// SetupRoutes 路由表
func (s *Server) SetupRoutes(r *gin.Engine) {
	// 代理端点（透明转发到Ollama）
	r.POST("/api/generate", s.HandleGenerate)
	r.POST("/api/chat", s.HandleChat)
	r.GET("/api/tags", s.HandleProxyTags)
	r.GET("/api/ps", s.HandleProxyPs)

	// WebSocket端点
	r.GET("/ws/chat", s.HandleChatWS)
	r.GET("/ws/dashboard", s.HandleDashboardWS)

	// 管理端点
	r.GET("/api/logs", s.HandleGetLogs)
	r.GET("/api/logs/:id", s.HandleGetLog)
	r.PUT("/api/logs/:id/starred", s.HandleSetStarred)
	r.GET("/api/metrics", s.HandleMetrics)
	r.GET("/api/version", s.HandleVersion)
	r.GET("/api/config/cache", s.HandleGetCacheConfig)
	r.POST("/api/config/cache", s.HandleSetCacheConfig)
	r.POST("/api/replay/:id", s.HandleReplay)
	r.POST("/api/shutdown", s.HandleShutdown)

	// 静态资源（编译期内嵌）
	r.GET("/", s.HandleIndex)
	r.GET("/style.css", s.HandleStyleCSS)
	r.GET("/app.js", s.HandleAppJS)
	r.GET("/api.js", s.HandleAPIJS)
	r.GET("/favicon.ico", s.HandleFavicon)
}

// Shutdown 优雅关闭：通知后台协程与在线会话，等待全部退出
// ctx 控制最大等待时间；数据库在队列排空后关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.isShuttingDown.Swap(true) {
		return nil // 已在关闭中
	}

	log.Print("[INFO] 正在关闭Server，等待后台任务完成...")
	close(s.shutdownCh)

	// 终止在线聊天会话：active置false后，转发中的worker在下个分块中止
	s.sessions.closeAll()
	s.dashboard.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		log.Print("[INFO] Server优雅关闭完成")
	case <-ctx.Done():
		log.Print("[WARN] Server关闭超时，部分后台任务可能未完成")
		err = ctx.Err()
	}

	// 关闭存储：等待写入队列排空后关闭数据库句柄
	if closeErr := s.store.Close(); closeErr != nil {
		log.Printf("[ERROR] 关闭数据库失败: %v", closeErr)
	}

	return err
}
