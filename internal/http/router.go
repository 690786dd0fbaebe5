/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/config"
	"github.com/madpin/jiraviz/internal/services"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc *services.Service) *gin.Engine {
	if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, svc)

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	api.GET("/projects/:key/tickets", h.Tickets)
	api.GET("/projects/:key/tree", h.Tree)
	api.POST("/tickets", h.CreateTicket)
	api.PUT("/tickets/:key", h.UpdateTicket)
	api.DELETE("/tickets/:key", h.DeleteTicket)
	api.POST("/tickets/:key/comment", h.AddComment)
	api.POST("/tickets/:key/summarize", h.Summarize)
	api.GET("/embeddings/status", h.EmbeddingStatus)
	api.POST("/embeddings/clear", h.ClearEmbeddings)

	r.POST("/admin/refresh", h.RefreshNow)
	r.GET("/admin/last-sync", h.LastSync)

	return r
}
