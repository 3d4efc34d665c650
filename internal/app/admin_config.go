package app

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// 版本号
const (
	VersionString = "1.0.0"
	VersionMajor  = 1
	VersionMinor  = 0
	VersionPatch  = 0
)

// HandleVersion GET /api/version
func (s *Server) HandleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": VersionString,
		"major":   VersionMajor,
		"minor":   VersionMinor,
		"patch":   VersionPatch,
	})
}

// HandleGetCacheConfig GET /api/config/cache
func (s *Server) HandleGetCacheConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.cacheEnabled.Load()})
}

// HandleSetCacheConfig POST /api/config/cache
// 请求 {"enabled":bool}；开关进程级生效（原子布尔，所有请求线程可见）
func (s *Server) HandleSetCacheConfig(c *gin.Context) {
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.String(http.StatusBadRequest, "Invalid JSON")
		return
	}
	if payload.Enabled == nil {
		c.String(http.StatusBadRequest, "Missing 'enabled' field")
		return
	}

	s.cacheEnabled.Store(*payload.Enabled)
	log.Printf("[INFO] 响应缓存开关: %v", *payload.Enabled)
	c.String(http.StatusOK, "Cache configuration updated")
}

// HandleShutdown POST /api/shutdown
// 返回200后触发与SIGINT相同的优雅关停路径
func (s *Server) HandleShutdown(c *gin.Context) {
	log.Print("[INFO] 收到API关停请求")
	c.String(http.StatusOK, "Server shutting down")

	if s.stopFn != nil {
		go s.stopFn()
	}
}

// HandleFavicon GET /favicon.ico
func (s *Server) HandleFavicon(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
