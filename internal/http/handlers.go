/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/config"
	"github.com/madpin/jiraviz/internal/domain"
	"github.com/madpin/jiraviz/internal/services"
)

type Handlers struct {
	cfg config.Config
	log zerolog.Logger
	svc *services.Service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc *services.Service) *Handlers {
	return &Handlers{cfg: cfg, log: log, svc: svc}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Tickets returns the project's flat ticket list in the requested order.
// When the smart mode had to downgrade, the response's mode field says so.
func (h *Handlers) Tickets(c *gin.Context) {
	project := c.Param("key")
	mode := domain.ParseSortMode(c.Query("sort"))
	res, err := h.svc.SortedTickets(c.Request.Context(), project, mode, c.Query("user"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Tree(c *gin.Context) {
	project := c.Param("key")
	mode := domain.ParseSortMode(c.Query("sort"))
	opts := services.TreeOptions{HideEmptyParents: c.Query("hide_empty_parents") == "true"}
	res, err := h.svc.Tree(c.Request.Context(), project, mode, c.Query("user"), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) CreateTicket(c *gin.Context) {
	var req struct {
		Project string        `json:"project"`
		Ticket  domain.Ticket `json:"ticket"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := h.svc.CreateTicket(c.Request.Context(), req.Project, req.Ticket)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key})
}

func (h *Handlers) UpdateTicket(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.UpdateTicket(c.Request.Context(), c.Param("key"), fields); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) DeleteTicket(c *gin.Context) {
	if err := h.svc.DeleteTicket(c.Request.Context(), c.Param("key")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) AddComment(c *gin.Context) {
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "comment body required"})
		return
	}
	if err := h.svc.AddComment(c.Request.Context(), c.Param("key"), req.Body); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

func (h *Handlers) Summarize(c *gin.Context) {
	summary, err := h.svc.Summarize(c.Request.Context(), c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (h *Handlers) EmbeddingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.EmbeddingAvailability(c.Request.Context()))
}

func (h *Handlers) ClearEmbeddings(c *gin.Context) {
	h.svc.ClearEmbeddingCache(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RefreshNow runs the sync in the background detached from the HTTP request
// to avoid context cancellation
func (h *Handlers) RefreshNow(c *gin.Context) {
	go func() {
		if _, err := h.svc.RefreshAll(context.Background()); err != nil {
			h.log.Error().Err(err).Msg("refresh failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) LastSync(c *gin.Context) {
	run, err := h.svc.LastSync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}
