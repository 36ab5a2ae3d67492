package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/agent"
	"github.com/suPer8Hu/agentdesk/internal/ai"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/common"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"github.com/suPer8Hu/agentdesk/internal/httpapi/middleware"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/syncjob"
	"github.com/suPer8Hu/agentdesk/internal/webhook"
)

type Handler struct {
	Instances *instance.Manager
	Agents    *agent.Repo
	Providers *ai.Registry
	ChatSvc   *chat.Service
	Webhooks  *webhook.Processor
	Jobs      *syncjob.Repo
}

func NewHandler(instances *instance.Manager, agents *agent.Repo, providers *ai.Registry, chatSvc *chat.Service, webhooks *webhook.Processor, jobs *syncjob.Repo) *Handler {
	return &Handler{
		Instances: instances,
		Agents:    agents,
		Providers: providers,
		ChatSvc:   chatSvc,
		Webhooks:  webhooks,
		Jobs:      jobs,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func paramID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid "+name)
		return 0, false
	}
	return id, true
}

// failErr maps domain errors onto the API envelope. Unknown errors are logged
// and reported without detail.
func failErr(c *gin.Context, err error, op string) {
	var apiErr *gateway.APIError
	switch {
	case errors.Is(err, instance.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "instance not found")
	case errors.Is(err, chat.ErrThreadNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "thread not found")
	case errors.Is(err, agent.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40403, "agent not found")
	case errors.Is(err, chat.ErrRuleNotFound):
		common.Fail(c, http.StatusNotFound, 40404, "routing rule not found")
	case errors.Is(err, chat.ErrNoAgents):
		common.Fail(c, http.StatusConflict, 40901, "no agents available")
	case errors.Is(err, chat.ErrContactThread):
		common.Fail(c, http.StatusConflict, 40902, "thread is linked to a whatsapp contact")
	case errors.Is(err, chat.ErrThreadArchived):
		common.Fail(c, http.StatusConflict, 40903, "thread is archived")
	case errors.As(err, &apiErr):
		common.Fail(c, http.StatusBadGateway, 50201, "gateway error: "+apiErr.Message)
	case errors.Is(err, ai.ErrCompletion):
		common.Fail(c, http.StatusBadGateway, 50202, err.Error())
	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"op":         op,
			"request_id": c.GetString(middleware.RequestIDKey),
		}).Error("[HTTP] request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
