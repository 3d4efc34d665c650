package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sectorflux/internal/app"
	"sectorflux/internal/config"
	"sectorflux/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// .env 可选；环境变量优先
	_ = godotenv.Load()

	store, err := storage.NewStore(config.GetDBPath())
	if err != nil {
		log.Printf("[ERROR] 数据库初始化失败: %v", err)
		os.Exit(1)
	}

	server := app.NewServer(store, config.GetOllamaHost())

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	server.SetupRoutes(r)

	port := config.GetPort()
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}

	// 关停信号：SIGINT/SIGTERM 或 POST /api/shutdown
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	server.SetStopFunc(func() {
		stopOnce.Do(func() { close(stopCh) })
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Printf("[INFO] 收到信号: %v", sig)
		case <-stopCh:
		}
		stopOnce.Do(func() { close(stopCh) })
	}()

	go func() {
		log.Printf("[INFO] SectorFlux v%s 启动，端口 %d，上游 %s",
			app.VersionString, port, config.GetOllamaHost())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] HTTP服务异常退出: %v", err)
			stopOnce.Do(func() { close(stopCh) })
		}
	}()

	<-stopCh

	// 先停HTTP层（新请求拒入、在途请求完成），再关后台服务与存储
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] HTTP关闭超时: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] Server关闭未完全: %v", err)
	}

	log.Print("[INFO] 进程退出")
}
