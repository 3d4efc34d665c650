package storage

import (
	"context"
	"log"
	"time"

	"sectorflux/internal/model"
)

// 写入队列：所有写操作封装为闭包，由单个 writer 协程按 FIFO 串行执行。
// 队列满时提交方阻塞（背压）；稳态下日志表≤100条，实际不会触及。

const writeTaskTimeout = 5 * time.Second

// writeLoop writer 协程：排空队列直到收到关闭信号且队列已空
func (s *Store) writeLoop() {
	defer close(s.workerDone)

	for {
		select {
		case <-s.shutdownCh:
			// 关闭前排空残留任务，保证"先提交后关闭"的日志不丢
			for {
				select {
				case task := <-s.writeQueue:
					task()
				default:
					log.Print("[DEBUG] 写入队列已排空，writer 退出")
					return
				}
			}
		case task := <-s.writeQueue:
			task()
		}
	}
}

// submit 阻塞式入队；关闭后提交被丢弃
func (s *Store) submit(task func()) {
	select {
	case <-s.shutdownCh:
		return
	default:
	}

	select {
	case s.writeQueue <- task:
	case <-s.shutdownCh:
	}
}

// SubmitLog 异步提交一条日志插入
// 不向调用方回报单条失败：写失败记录到 stderr 后丢弃（无重试）
func (s *Store) SubmitLog(entry *model.LogEntry) {
	s.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTaskTimeout)
		defer cancel()
		if err := s.insertLogSync(ctx, entry); err != nil {
			log.Printf("[ERROR] 异步写入日志失败: %v", err)
		}
	})
}

// SubmitCachePut 异步提交一条缓存写入（插入或替换）
func (s *Store) SubmitCachePut(requestBody string, status int, responseBody string) {
	s.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTaskTimeout)
		defer cancel()
		if err := s.cachePutSync(ctx, requestBody, status, responseBody); err != nil {
			log.Printf("[ERROR] 异步写入缓存失败: %v", err)
		}
	})
}

// Flush 等待队列排空（测试辅助：轮询队列长度直到为0或超时）
func (s *Store) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(s.writeQueue) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// 队列空不代表最后一个任务已执行完，留一个调度间隙
	time.Sleep(20 * time.Millisecond)
}

// Close 通知关闭、等待 writer 排空队列后关闭数据库句柄（幂等）
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
	})
	<-s.workerDone
	return s.db.Close()
}
