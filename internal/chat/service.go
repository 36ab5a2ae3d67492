package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/agentdesk/internal/agent"
	"github.com/suPer8Hu/agentdesk/internal/common"
	"gorm.io/datatypes"
)

var (
	ErrContactThread  = errors.New("thread is linked to a whatsapp contact")
	ErrThreadArchived = errors.New("thread is archived")
)

const (
	MinKeep = 10
	MaxKeep = 1000
)

// ClampKeep bounds a trim request to [MinKeep, MaxKeep].
func ClampKeep(keep int) int {
	if keep < MinKeep {
		return MinKeep
	}
	if keep > MaxKeep {
		return MaxKeep
	}
	return keep
}

// Service holds the user-facing thread operations.
type Service struct {
	repo       *Repo
	dispatcher *Dispatcher
	agents     AgentSource
}

func NewService(repo *Repo, dispatcher *Dispatcher, agents AgentSource) *Service {
	return &Service{repo: repo, dispatcher: dispatcher, agents: agents}
}

func (s *Service) ownedAgent(ctx context.Context, userID, agentID uint64) error {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return agent.ErrNotFound
	}
	return nil
}

func (s *Service) CreateThread(ctx context.Context, userID uint64, title string, agentID *uint64) (*Thread, error) {
	if agentID != nil {
		if err := s.ownedAgent(ctx, userID, *agentID); err != nil {
			return nil, err
		}
	}
	tid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	t := &Thread{
		ThreadID: tid,
		UserID:   userID,
		Title:    title,
		AgentID:  agentID,
		Status:   ThreadActive,
	}
	if err := s.repo.CreateThread(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ListThreads(ctx context.Context, userID uint64, status ThreadStatus) ([]Thread, error) {
	return s.repo.ListThreads(ctx, userID, status)
}

// SendMessage stores a web chat turn and answers it with the thread's agent.
func (s *Service) SendMessage(ctx context.Context, userID uint64, threadID, content string) (*Reply, error) {
	t, err := s.repo.GetThreadForUser(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if t.InstanceID != nil {
		return nil, ErrContactThread
	}
	if t.Status == ThreadArchived {
		return nil, ErrThreadArchived
	}

	userMsg := &Message{
		ThreadID: t.ThreadID,
		Role:     RoleUser,
		Content:  content,
		Status:   StatusReceived,
		Metadata: datatypes.NewJSONType(MessageMeta{Source: SourceWeb}),
	}
	if err := s.repo.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	t.MessageCount++
	return s.dispatcher.Answer(ctx, t)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, threadID string, limit int, beforeID uint64) ([]Message, error) {
	if _, err := s.repo.GetThreadForUser(ctx, userID, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, threadID, limit, beforeID)
}

func (s *Service) Archive(ctx context.Context, userID uint64, threadID string) error {
	t, err := s.repo.GetThreadForUser(ctx, userID, threadID)
	if err != nil {
		return err
	}
	return s.repo.UpdateThread(ctx, t.ID, map[string]any{"status": ThreadArchived})
}

func (s *Service) Delete(ctx context.Context, userID uint64, threadID string) error {
	t, err := s.repo.GetThreadForUser(ctx, userID, threadID)
	if err != nil {
		return err
	}
	return s.repo.DeleteThread(ctx, t)
}

// TrimMessages keeps the newest keep messages, keep clamped to [10, 1000].
func (s *Service) TrimMessages(ctx context.Context, userID uint64, threadID string, keep int) (int64, error) {
	if _, err := s.repo.GetThreadForUser(ctx, userID, threadID); err != nil {
		return 0, err
	}
	return s.repo.TrimMessages(ctx, threadID, ClampKeep(keep))
}

// SetHumanMode flags the thread's contact for human handoff.
func (s *Service) SetHumanMode(ctx context.Context, userID uint64, threadID string, on bool) (*Thread, error) {
	t, err := s.repo.GetThreadForUser(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateThread(ctx, t.ID, map[string]any{"human_mode": on}); err != nil {
		return nil, err
	}
	t.HumanMode = on
	return t, nil
}

// AssignAgent pins an agent to the thread; nil clears the assignment.
func (s *Service) AssignAgent(ctx context.Context, userID uint64, threadID string, agentID *uint64) (*Thread, error) {
	t, err := s.repo.GetThreadForUser(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if agentID != nil {
		if err := s.ownedAgent(ctx, userID, *agentID); err != nil {
			return nil, err
		}
	}
	if err := s.repo.UpdateThread(ctx, t.ID, map[string]any{"agent_id": agentID}); err != nil {
		return nil, err
	}
	t.AgentID = agentID
	return t, nil
}

// CreateRule binds instanceID (and optionally one contact) to an agent.
// Instance ownership is checked by the caller.
func (s *Service) CreateRule(ctx context.Context, userID, instanceID uint64, contactJID *string, agentID uint64) (*RoutingRule, error) {
	if err := s.ownedAgent(ctx, userID, agentID); err != nil {
		return nil, err
	}
	if contactJID != nil && strings.TrimSpace(*contactJID) == "" {
		contactJID = nil
	}
	rule := &RoutingRule{
		UserID:     userID,
		InstanceID: instanceID,
		ContactJID: contactJID,
		AgentID:    agentID,
	}
	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Service) ListRules(ctx context.Context, instanceID uint64) ([]RoutingRule, error) {
	return s.repo.ListRules(ctx, instanceID)
}

func (s *Service) DeleteRule(ctx context.Context, userID, id uint64) error {
	return s.repo.DeleteRule(ctx, userID, id)
}
