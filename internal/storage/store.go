package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"sectorflux/internal/config"
	"sectorflux/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound 查询的日志条目不存在
var ErrNotFound = errors.New("log entry not found")

// Store 持久化存储：请求日志、响应缓存、聚合指标
//
// 写入纪律：日志插入与缓存写入经由单个 writer 协程串行执行（见 write_queue.go）；
// SetStarred 在调用方协程同步执行，以便回报失败。读操作可与写并发（WAL 模式）
type Store struct {
	db *sql.DB

	writeQueue chan func()
	shutdownCh chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

// NewStore 打开（或创建）backing 数据库并启动写入 worker
// 初始化失败对进程启动是致命的，由调用方决定退出
func NewStore(dbPath string) (*Store, error) {
	// busy_timeout 缓解读写瞬时竞争；WAL 允许单写多读并发
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// 不限制为单连接：WAL 下读连接不被写阻塞；写冲突由 busy_timeout 等待，
	// 队列写入的串行化由 writer 协程保证

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[WARN] 启用WAL失败: %v", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:         db,
		writeQueue: make(chan func(), config.DefaultWriteQueueSize),
		shutdownCh: make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go s.writeLoop()

	log.Printf("[INFO] 数据库已初始化: %s", dbPath)
	return s, nil
}

// migrate 建表（仅初始建表，无后续迁移）
func migrate(ctx context.Context, db *sql.DB) error {
	createSQL := `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
    method TEXT,
    endpoint TEXT,
    model TEXT,
    request_body TEXT,
    response_status INTEGER,
    response_body TEXT,
    duration_ms INTEGER,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    prompt_eval_duration_ms INTEGER DEFAULT 0,
    eval_duration_ms INTEGER DEFAULT 0,
    ttft_ms INTEGER DEFAULT 0,
    is_starred INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cache (
    request_body TEXT PRIMARY KEY,
    response_status INTEGER,
    response_body TEXT
);
`
	_, err := db.ExecContext(ctx, createSQL)
	return err
}

// ============================================================================
// 同步写入（仅由 writer 协程调用）
// ============================================================================

const logColumns = `id, timestamp, method, endpoint, model, request_body,
response_status, response_body, duration_ms, prompt_tokens,
completion_tokens, prompt_eval_duration_ms, eval_duration_ms, ttft_ms, is_starred`

func (s *Store) insertLogSync(ctx context.Context, e *model.LogEntry) error {
	insertSQL := `
INSERT INTO requests (method, endpoint, model, request_body, response_status,
response_body, duration_ms, prompt_tokens, completion_tokens,
prompt_eval_duration_ms, eval_duration_ms, ttft_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if _, err := s.db.ExecContext(ctx, insertSQL,
		e.Method, e.Endpoint, e.Model, e.RequestBody, e.ResponseStatus,
		e.ResponseBody, e.DurationMs, e.PromptTokens, e.CompletionTokens,
		e.PromptEvalDurationMs, e.EvalDurationMs, e.TtftMs,
	); err != nil {
		return err
	}

	// 每次插入后裁剪历史：仅保留 id 最大的 N 条（收藏行不豁免）
	pruneSQL := `
DELETE FROM requests WHERE id NOT IN (
    SELECT id FROM requests ORDER BY id DESC LIMIT ?)
`
	if _, err := s.db.ExecContext(ctx, pruneSQL, config.MaxHistoryEntries); err != nil {
		log.Printf("[ERROR] 裁剪历史日志失败: %v", err)
	}
	return nil
}

func (s *Store) cachePutSync(ctx context.Context, requestBody string, status int, responseBody string) error {
	putSQL := `
INSERT OR REPLACE INTO cache (request_body, response_status, response_body)
VALUES (?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, putSQL, requestBody, status, responseBody)
	return err
}

// ============================================================================
// 同步读取（任意协程）
// ============================================================================

// GetLogs 按 id 倒序返回最近 limit 条日志
func (s *Store) GetLogs(ctx context.Context, limit int) ([]*model.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + logColumns + " FROM requests ORDER BY id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]*model.LogEntry, 0, limit)
	for rows.Next() {
		entry, err := scanLogEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// GetLog 返回单条日志；不存在时返回 ErrNotFound
func (s *Store) GetLog(ctx context.Context, id int64) (*model.LogEntry, error) {
	query := "SELECT " + logColumns + " FROM requests WHERE id = ?"
	row := s.db.QueryRowContext(ctx, query, id)

	entry, err := scanLogEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

func scanLogEntry(scan func(dest ...any) error) (*model.LogEntry, error) {
	entry := &model.LogEntry{}
	var isStarred int
	var timestamp, method, endpoint, modelName, reqBody, respBody sql.NullString

	if err := scan(
		&entry.ID, &timestamp, &method, &endpoint, &modelName, &reqBody,
		&entry.ResponseStatus, &respBody, &entry.DurationMs, &entry.PromptTokens,
		&entry.CompletionTokens, &entry.PromptEvalDurationMs, &entry.EvalDurationMs,
		&entry.TtftMs, &isStarred,
	); err != nil {
		return nil, err
	}

	entry.Timestamp = timestamp.String
	entry.Method = method.String
	entry.Endpoint = endpoint.String
	entry.Model = modelName.String
	entry.RequestBody = reqBody.String
	entry.ResponseBody = respBody.String
	entry.IsStarred = isStarred != 0
	return entry, nil
}

// SetStarred 设置收藏标记（幂等；id 不存在时静默成功）
func (s *Store) SetStarred(ctx context.Context, id int64, starred bool) error {
	starredInt := 0
	if starred {
		starredInt = 1
	}
	_, err := s.db.ExecContext(ctx, "UPDATE requests SET is_starred = ? WHERE id = ?", starredInt, id)
	return err
}

// GetCachedResponse 按请求体原文精确查找缓存
// 读失败一律表现为未命中（指标是 advisory，不向上游报错）
func (s *Store) GetCachedResponse(ctx context.Context, requestBody string) (status int, responseBody string, ok bool) {
	query := "SELECT response_status, response_body FROM cache WHERE request_body = ?"
	var body sql.NullString

	err := s.db.QueryRowContext(ctx, query, requestBody).Scan(&status, &body)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[ERROR] 缓存查询失败: %v", err)
		}
		return 0, "", false
	}
	return status, body.String, true
}

// AggregateMetrics 三次扫描计算聚合指标
//
// 注意：avg_latency_ms 的均值包含缓存命中行（duration_ms=0），缓存命中率高时
// 该指标会被压低——保持既有行为不变（见 DESIGN.md）
func (s *Store) AggregateMetrics(ctx context.Context) (*model.Metrics, error) {
	m := &model.Metrics{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&m.TotalRequests); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM requests").Scan(&avg); err != nil {
		return nil, err
	}
	m.AvgLatencyMs = avg.Float64

	var hits int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests WHERE duration_ms = 0").Scan(&hits); err != nil {
		return nil, err
	}
	if m.TotalRequests > 0 {
		m.CacheHitRate = float64(hits) / float64(m.TotalRequests)
	}
	return m, nil
}
