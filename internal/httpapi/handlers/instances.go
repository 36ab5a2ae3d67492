package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/agentdesk/internal/common"
	"github.com/suPer8Hu/agentdesk/internal/instance"
)

// ownedInstance loads :id and hides instances that belong to someone else.
func (h *Handler) ownedInstance(c *gin.Context) (*instance.Instance, bool) {
	uid, ok := requireUser(c)
	if !ok {
		return nil, false
	}
	id, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}
	inst, err := h.Instances.Repo().Get(c.Request.Context(), id)
	if err == nil && inst.UserID != uid {
		err = instance.ErrNotFound
	}
	if err != nil {
		failErr(c, err, "load instance")
		return nil, false
	}
	return inst, true
}

func (h *Handler) CreateInstance(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	inst, err := h.Instances.Create(c.Request.Context(), uid)
	if err != nil {
		// the row is kept as failed so the user can restart it
		failErr(c, err, "create instance")
		return
	}
	common.OK(c, inst)
}

func (h *Handler) ListInstances(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	list, err := h.Instances.Repo().ListByUser(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err, "list instances")
		return
	}
	common.OK(c, gin.H{"items": list})
}

func (h *Handler) GetInstanceStatus(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	st, err := h.Instances.Status(c.Request.Context(), inst.ID)
	if err != nil {
		failErr(c, err, "instance status")
		return
	}
	common.OK(c, gin.H{"id": inst.ID, "name": inst.Name, "status": st})
}

func (h *Handler) GetInstanceQRCode(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	res, err := h.Instances.QRCode(c.Request.Context(), inst.ID)
	if err != nil {
		failErr(c, err, "instance qrcode")
		return
	}
	common.OK(c, res)
}

func (h *Handler) RestartInstance(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	if err := h.Instances.Restart(c.Request.Context(), inst.ID); err != nil {
		failErr(c, err, "restart instance")
		return
	}
	common.OK(c, gin.H{"id": inst.ID, "status": instance.StatusConnecting})
}

func (h *Handler) DisconnectInstance(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	if err := h.Instances.Disconnect(c.Request.Context(), inst.ID); err != nil {
		failErr(c, err, "disconnect instance")
		return
	}
	common.OK(c, gin.H{"id": inst.ID, "status": instance.StatusDisconnected})
}

func (h *Handler) DeleteInstance(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	if err := h.Instances.Delete(c.Request.Context(), inst.ID); err != nil {
		failErr(c, err, "delete instance")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) UpdateInstanceSettings(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	var s instance.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	if err := h.Instances.UpdateSettings(c.Request.Context(), inst.ID, s); err != nil {
		failErr(c, err, "update settings")
		return
	}
	common.OK(c, gin.H{"id": inst.ID, "settings": s})
}

func (h *Handler) ListSyncJobs(c *gin.Context) {
	inst, ok := h.ownedInstance(c)
	if !ok {
		return
	}
	jobs, err := h.Jobs.ListByInstance(c.Request.Context(), inst.ID)
	if err != nil {
		failErr(c, err, "list sync jobs")
		return
	}
	common.OK(c, gin.H{"items": jobs})
}
