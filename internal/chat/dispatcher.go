package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/agent"
	"github.com/suPer8Hu/agentdesk/internal/ai"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"gorm.io/datatypes"
)

var ErrNoAgents = errors.New("no agents available")

const DefaultFallbackReply = "Sorry, I could not process your message right now. A team member will get back to you soon."

type AgentSource interface {
	Get(ctx context.Context, id uint64) (*agent.Agent, error)
	FirstActiveForUser(ctx context.Context, userID uint64) (*agent.Agent, error)
}

type AgentRunner interface {
	Run(ctx context.Context, a *agent.Agent, history []ai.Message) (ai.Completion, error)
}

type TextSender interface {
	SendText(ctx context.Context, instanceName, number, text string) (*gateway.SentMessage, error)
}

// Dispatcher picks the agent for a thread, runs it and writes the reply back.
type Dispatcher struct {
	repo          *Repo
	agents        AgentSource
	runner        AgentRunner
	sender        TextSender
	window        int
	FallbackReply string
}

func NewDispatcher(repo *Repo, agents AgentSource, runner AgentRunner, sender TextSender, window int) *Dispatcher {
	if window <= 0 || window > 100 {
		window = 20
	}
	return &Dispatcher{
		repo:          repo,
		agents:        agents,
		runner:        runner,
		sender:        sender,
		window:        window,
		FallbackReply: DefaultFallbackReply,
	}
}

// ResolveAgent returns the thread's own agent, else the most specific routing
// rule's agent, else nil.
func (d *Dispatcher) ResolveAgent(ctx context.Context, t *Thread) (*agent.Agent, error) {
	if t.AgentID != nil {
		a, err := d.agents.Get(ctx, *t.AgentID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, agent.ErrNotFound) {
			return nil, err
		}
	}
	if t.InstanceID == nil || t.ContactJID == nil {
		return nil, nil
	}
	rule, err := d.repo.MatchRule(ctx, *t.InstanceID, *t.ContactJID)
	if errors.Is(err, ErrRuleNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a, err := d.agents.Get(ctx, rule.AgentID)
	if errors.Is(err, agent.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (d *Dispatcher) agentFor(ctx context.Context, t *Thread) (*agent.Agent, error) {
	a, err := d.ResolveAgent(ctx, t)
	if err != nil {
		return nil, err
	}
	if a != nil {
		return a, nil
	}
	a, err = d.agents.FirstActiveForUser(ctx, t.UserID)
	if errors.Is(err, agent.ErrNotFound) {
		return nil, ErrNoAgents
	}
	return a, err
}

type Reply struct {
	Agent   *agent.Agent
	Message *Message
	Sent    bool
}

// Dispatch answers the latest turns of a WhatsApp thread and sends the reply
// through the instance. A completion failure leaves a visible fallback reply in
// the thread and is still returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, inst *instance.Instance, t *Thread) (*Reply, error) {
	log := logrus.WithFields(logrus.Fields{"instance": inst.Name, "thread_id": t.ThreadID})

	a, err := d.agentFor(ctx, t)
	if err != nil {
		log.WithError(err).Warn("[DISPATCH] no agent")
		return nil, err
	}
	log = log.WithField("agent_id", a.ID)

	msg, runErr := d.generate(ctx, t, a, SourceWebhook)
	if runErr != nil {
		log.WithError(runErr).Error("[DISPATCH] agent failed, sending fallback")
		msg = d.fallback(ctx, t, a, runErr)
		if msg == nil {
			return nil, runErr
		}
	}

	reply := &Reply{Agent: a, Message: msg}
	if err := d.deliver(ctx, inst, t, msg); err != nil {
		log.WithError(err).Error("[DISPATCH] send failed")
		if runErr == nil {
			return reply, err
		}
	} else {
		reply.Sent = true
	}
	if runErr != nil {
		return reply, runErr
	}
	log.WithField("message_id", msg.ID).Info("[DISPATCH] reply sent")
	return reply, nil
}

// Answer runs the thread's agent and stores the reply without sending it anywhere.
func (d *Dispatcher) Answer(ctx context.Context, t *Thread) (*Reply, error) {
	a, err := d.agentFor(ctx, t)
	if err != nil {
		return nil, err
	}
	msg, err := d.generate(ctx, t, a, SourceWeb)
	if err != nil {
		return nil, err
	}
	return &Reply{Agent: a, Message: msg}, nil
}

func (d *Dispatcher) history(ctx context.Context, t *Thread) ([]ai.Message, error) {
	recentDesc, err := d.repo.ListRecentMessagesDesc(ctx, t.ThreadID, d.window)
	if err != nil {
		return nil, err
	}
	// provider expects ASC
	out := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		if m.Content == "" || m.Role == RoleSystem {
			continue
		}
		if m.Role == RoleAssistant && m.Metadata.Data().Fallback {
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (d *Dispatcher) generate(ctx context.Context, t *Thread, a *agent.Agent, source string) (*Message, error) {
	turns, err := d.history(ctx, t)
	if err != nil {
		return nil, err
	}
	comp, err := d.runner.Run(ctx, a, turns)
	if err != nil {
		return nil, err
	}

	usage := comp.Usage
	msg := &Message{
		ThreadID: t.ThreadID,
		Role:     RoleAssistant,
		Content:  comp.Content,
		Status:   StatusPending,
		Metadata: datatypes.NewJSONType(MessageMeta{
			Source:  source,
			AgentID: a.ID,
			Model:   comp.Model,
			Usage:   &usage,
		}),
	}
	if source == SourceWeb {
		msg.Status = StatusSent
	}
	if err := d.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}
	t.MessageCount++
	return msg, nil
}

func (d *Dispatcher) fallback(ctx context.Context, t *Thread, a *agent.Agent, cause error) *Message {
	msg := &Message{
		ThreadID: t.ThreadID,
		Role:     RoleAssistant,
		Content:  d.FallbackReply,
		Status:   StatusPending,
		Metadata: datatypes.NewJSONType(MessageMeta{
			Source:   SourceWebhook,
			AgentID:  a.ID,
			Fallback: true,
			Error:    cause.Error(),
		}),
	}
	if err := d.repo.AppendMessage(ctx, msg); err != nil {
		logrus.WithError(err).WithField("thread_id", t.ThreadID).Error("[DISPATCH] store fallback reply")
		return nil
	}
	t.MessageCount++
	return msg
}

// deliver sends msg to the thread's contact and records the outcome on the row.
func (d *Dispatcher) deliver(ctx context.Context, inst *instance.Instance, t *Thread, msg *Message) error {
	to := t.ContactPhone
	if to == "" && t.ContactJID != nil {
		to = *t.ContactJID
	}
	if to == "" {
		return d.markDelivery(ctx, msg, nil, StatusFailed, errors.New("thread has no contact"))
	}
	sent, err := d.sender.SendText(ctx, inst.Name, to, msg.Content)
	if err != nil {
		return d.markDelivery(ctx, msg, nil, StatusFailed, fmt.Errorf("send text: %w", err))
	}
	var pid *string
	if sent != nil && sent.ID != "" {
		pid = &sent.ID
	}
	msg.InstanceID = &inst.ID
	return d.markDelivery(ctx, msg, pid, StatusSent, nil)
}

func (d *Dispatcher) markDelivery(ctx context.Context, msg *Message, providerID *string, status string, cause error) error {
	fields := map[string]any{"status": status}
	if providerID != nil {
		fields["provider_message_id"] = *providerID
		fields["instance_id"] = msg.InstanceID
	}
	if err := d.repo.UpdateMessage(ctx, msg.ID, fields); err != nil {
		return err
	}
	msg.Status = status
	msg.ProviderMessageID = providerID
	return cause
}
