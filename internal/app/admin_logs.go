package app

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"sectorflux/internal/storage"

	"github.com/gin-gonic/gin"
)

// ============================================================================
// 日志管理端点
// ============================================================================

// HandleGetLogs GET /api/logs
// 返回最近50条日志（id倒序）
func (s *Server) HandleGetLogs(c *gin.Context) {
	logs, err := s.store.GetLogs(c.Request.Context(), 50)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// HandleGetLog GET /api/logs/:id
func (s *Server) HandleGetLog(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid log id")
		return
	}

	entry, err := s.store.GetLog(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.String(http.StatusNotFound, "Log not found")
			return
		}
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// HandleSetStarred PUT /api/logs/:id/starred
// 请求 {"starred":bool}；同值重复调用幂等
func (s *Server) HandleSetStarred(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid log id")
		return
	}

	var payload struct {
		Starred *bool `json:"starred"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.String(http.StatusBadRequest, "Invalid JSON")
		return
	}
	if payload.Starred == nil {
		c.String(http.StatusBadRequest, "Missing 'starred' field")
		return
	}

	if err := s.store.SetStarred(c.Request.Context(), id, *payload.Starred); err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "is_starred": *payload.Starred})
}

// HandleMetrics GET /api/metrics
func (s *Server) HandleMetrics(c *gin.Context) {
	metrics, err := s.store.AggregateMetrics(c.Request.Context())
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// HandleReplay POST /api/replay/:id
// 用存储的请求体重放到存储的端点，携带绕过头以获取上游新鲜响应（流式）
func (s *Server) HandleReplay(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid log id")
		return
	}

	entry, err := s.store.GetLog(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.String(http.StatusNotFound, "Log entry not found")
			return
		}
		c.Status(http.StatusInternalServerError)
		return
	}

	// 构造合成请求：存储的请求体 + 绕过头，复用代理引擎
	replayReq, err := http.NewRequestWithContext(c.Request.Context(),
		http.MethodPost, entry.Endpoint, strings.NewReader(entry.RequestBody))
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	replayReq.Header.Set("Content-Type", "application/json")
	replayReq.Header.Set("X-SectorFlux-No-Cache", "true")
	c.Request = replayReq

	s.forward(c, entry.Endpoint)
}

func parseIDParam(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}
