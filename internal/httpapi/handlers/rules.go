package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/agentdesk/internal/common"
	"github.com/suPer8Hu/agentdesk/internal/instance"
)

type createRuleReq struct {
	InstanceID uint64  `json:"instance_id" binding:"required"`
	ContactJID *string `json:"contact_jid"`
	AgentID    uint64  `json:"agent_id" binding:"required"`
}

func (h *Handler) CreateRoutingRule(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req createRuleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	inst, err := h.Instances.Repo().Get(c.Request.Context(), req.InstanceID)
	if err == nil && inst.UserID != uid {
		err = instance.ErrNotFound
	}
	if err != nil {
		failErr(c, err, "create routing rule")
		return
	}
	rule, err := h.ChatSvc.CreateRule(c.Request.Context(), uid, inst.ID, req.ContactJID, req.AgentID)
	if err != nil {
		failErr(c, err, "create routing rule")
		return
	}
	common.OK(c, rule)
}

func (h *Handler) ListRoutingRules(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	rules, err := h.ChatSvc.ListRules(c.Request.Context(), inst.ID)
	if err != nil {
		failErr(c, err, "list routing rules")
		return
	}
	common.OK(c, gin.H{"items": rules})
}

func (h *Handler) DeleteRoutingRule(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteRule(c.Request.Context(), uid, id); err != nil {
		failErr(c, err, "delete routing rule")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
