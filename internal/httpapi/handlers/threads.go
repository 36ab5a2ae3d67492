package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/common"
)

type createThreadReq struct {
	Title   string  `json:"title"`
	AgentID *uint64 `json:"agent_id"`
}

func (h *Handler) CreateThread(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req createThreadReq
	// empty body is allowed
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
			return
		}
	}
	t, err := h.ChatSvc.CreateThread(c.Request.Context(), uid, req.Title, req.AgentID)
	if err != nil {
		failErr(c, err, "create thread")
		return
	}
	common.OK(c, t)
}

func (h *Handler) ListThreads(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	status := chat.ThreadStatus(c.Query("status"))
	if status != "" && status != chat.ThreadActive && status != chat.ThreadArchived {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid status")
		return
	}
	list, err := h.ChatSvc.ListThreads(c.Request.Context(), uid, status)
	if err != nil {
		failErr(c, err, "list threads")
		return
	}
	common.OK(c, gin.H{"items": list})
}

type sendMessageReq struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) SendThreadMessage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	reply, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, c.Param("thread_id"), req.Content)
	if err != nil {
		failErr(c, err, "send message")
		return
	}
	common.OK(c, gin.H{
		"thread_id": c.Param("thread_id"),
		"agent_id":  reply.Agent.ID,
		"message":   reply.Message,
	})
}

func (h *Handler) ListThreadMessages(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 10002, "invalid limit")
			return
		}
		limit = n
	}
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10002, "invalid before_id")
			return
		}
		beforeID = n
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("thread_id"), limit, beforeID)
	if err != nil {
		failErr(c, err, "list messages")
		return
	}
	var next uint64
	if len(msgs) > 0 && len(msgs) == limit {
		next = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{"items": msgs, "next_before_id": next})
}

func (h *Handler) ArchiveThread(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.Archive(c.Request.Context(), uid, c.Param("thread_id")); err != nil {
		failErr(c, err, "archive thread")
		return
	}
	common.OK(c, gin.H{"thread_id": c.Param("thread_id"), "status": chat.ThreadArchived})
}

func (h *Handler) DeleteThread(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.Delete(c.Request.Context(), uid, c.Param("thread_id")); err != nil {
		failErr(c, err, "delete thread")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

type trimReq struct {
	Keep int `json:"keep"`
}

func (h *Handler) TrimThread(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req trimReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	deleted, err := h.ChatSvc.TrimMessages(c.Request.Context(), uid, c.Param("thread_id"), req.Keep)
	if err != nil {
		failErr(c, err, "trim thread")
		return
	}
	common.OK(c, gin.H{"deleted": deleted, "kept": chat.ClampKeep(req.Keep)})
}

type handoffReq struct {
	HumanMode *bool `json:"human_mode" binding:"required"`
}

func (h *Handler) SetThreadHandoff(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req handoffReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	t, err := h.ChatSvc.SetHumanMode(c.Request.Context(), uid, c.Param("thread_id"), *req.HumanMode)
	if err != nil {
		failErr(c, err, "set handoff")
		return
	}
	common.OK(c, t)
}

type assignAgentReq struct {
	AgentID *uint64 `json:"agent_id"`
}

func (h *Handler) AssignThreadAgent(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req assignAgentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	t, err := h.ChatSvc.AssignAgent(c.Request.Context(), uid, c.Param("thread_id"), req.AgentID)
	if err != nil {
		failErr(c, err, "assign agent")
		return
	}
	common.OK(c, t)
}
