package handlers

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/agentdesk/internal/agent"
	"github.com/suPer8Hu/agentdesk/internal/common"
)

type createAgentReq struct {
	Name         string `json:"name" binding:"required"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (h *Handler) CreateAgent(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req createAgentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = "ollama"
	}
	if !slices.Contains(h.Providers.Names(), provider) {
		common.Fail(c, http.StatusBadRequest, 10003, "unsupported provider")
		return
	}
	a := &agent.Agent{
		UserID:       uid,
		Name:         strings.TrimSpace(req.Name),
		Provider:     provider,
		Model:        strings.TrimSpace(req.Model),
		SystemPrompt: req.SystemPrompt,
		Active:       true,
	}
	if err := h.Agents.Create(c.Request.Context(), a); err != nil {
		failErr(c, err, "create agent")
		return
	}
	common.OK(c, a)
}

func (h *Handler) ListAgents(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	list, err := h.Agents.ListByUser(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err, "list agents")
		return
	}
	common.OK(c, gin.H{"items": list})
}
