package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"sectorflux/internal/config"
	"sectorflux/internal/model"
	"sectorflux/internal/storage"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DashboardService 仪表盘广播服务
// 每秒聚合一次快照（最近日志 + 指标 + 上游运行模型），推送给所有观察者
type DashboardService struct {
	store      *storage.Store
	ollamaHost string
	client     *http.Client

	observers map[string]*websocket.Conn // 会话ID → 连接
	mu        sync.Mutex                 // 保护 observers；发送也在锁内（观察者数量≤低两位数）

	shutdownCh chan struct{}
}

// NewDashboardService 创建仪表盘广播服务
func NewDashboardService(store *storage.Store, ollamaHost string, shutdownCh chan struct{}) *DashboardService {
	return &DashboardService{
		store:      store,
		ollamaHost: ollamaHost,
		client:     &http.Client{Timeout: config.StatusProbeTimeout},
		observers:  make(map[string]*websocket.Conn),
		shutdownCh: shutdownCh,
	}
}

// Start 启动广播 ticker 协程
func (d *DashboardService) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer func() {
			log.Print("[DEBUG] dashboard broadcaster 退出")
			wg.Done()
		}()

		ticker := time.NewTicker(config.BroadcastInterval)
		defer ticker.Stop()

		for {
			select {
			case <-d.shutdownCh:
				return
			case <-ticker.C:
				d.broadcast()
			}
		}
	}()
}

// Add 注册观察者
func (d *DashboardService) Add(id string, conn *websocket.Conn) {
	d.mu.Lock()
	d.observers[id] = conn
	d.mu.Unlock()
}

// Remove 注销观察者
func (d *DashboardService) Remove(id string) {
	d.mu.Lock()
	delete(d.observers, id)
	d.mu.Unlock()
}

// CloseAll 关停时断开所有观察者
func (d *DashboardService) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, conn := range d.observers {
		conn.Close()
		delete(d.observers, id)
	}
}

// broadcast 聚合一次快照并推送给全部观察者
func (d *DashboardService) broadcast() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snapshot := d.snapshot(ctx)
	payload, err := sonic.Marshal(snapshot)
	if err != nil {
		log.Printf("[ERROR] 快照序列化失败: %v", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, conn := range d.observers {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			// 发送失败视为观察者失效，移除并关闭
			delete(d.observers, id)
			conn.Close()
		}
	}
}

// snapshot 读取 Store 与上游状态，组装一次快照
// 多次查询之间非事务（指标是 advisory）
func (d *DashboardService) snapshot(ctx context.Context) *model.DashboardSnapshot {
	snapshot := &model.DashboardSnapshot{
		Logs:         []*model.LogEntry{},
		RunningModel: d.probeRunningModel(ctx),
	}

	if logs, err := d.store.GetLogs(ctx, config.DashboardLogLimit); err == nil {
		snapshot.Logs = logs
	}
	if metrics, err := d.store.AggregateMetrics(ctx); err == nil {
		snapshot.Metrics = *metrics
	}
	return snapshot
}

// probeRunningModel 查询上游 /api/ps（1秒超时）
// 返回首个运行中模型名；无模型 "None"；上游不可达 "Ollama Offline"
func (d *DashboardService) probeRunningModel(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.ollamaHost+"/api/ps", nil)
	if err != nil {
		return "Ollama Offline"
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "Ollama Offline"
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "Ollama Offline"
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "Ollama Offline"
	}

	var ps struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := sonic.Unmarshal(body, &ps); err != nil {
		return "Ollama Offline"
	}
	if len(ps.Models) == 0 || ps.Models[0].Name == "" {
		return "None"
	}
	return ps.Models[0].Name
}

// HandleDashboardWS GET /ws/dashboard
// 纯服务端推送：客户端只监听，入站帧一律忽略
func (s *Server) HandleDashboardWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket升级失败: %v", err)
		return
	}

	id := uuid.NewString()
	s.dashboard.Add(id, conn)
	log.Print("[INFO] 仪表盘观察者接入")

	defer func() {
		s.dashboard.Remove(id)
		conn.Close()
		log.Print("[INFO] 仪表盘观察者断开")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
