package app

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

// 前端资产编译期内嵌，二进制单文件分发
//
//go:embed web
var webFS embed.FS

func serveEmbedded(c *gin.Context, name, contentType string) {
	data, err := webFS.ReadFile("web/" + name)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

// HandleIndex GET /
func (s *Server) HandleIndex(c *gin.Context) {
	serveEmbedded(c, "index.html", "text/html")
}

// HandleStyleCSS GET /style.css
func (s *Server) HandleStyleCSS(c *gin.Context) {
	serveEmbedded(c, "style.css", "text/css")
}

// HandleAppJS GET /app.js
func (s *Server) HandleAppJS(c *gin.Context) {
	serveEmbedded(c, "app.js", "application/javascript")
}

// HandleAPIJS GET /api.js
func (s *Server) HandleAPIJS(c *gin.Context) {
	serveEmbedded(c, "api.js", "application/javascript")
}
