package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/agentdesk/internal/agent"
	"github.com/suPer8Hu/agentdesk/internal/ai"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"gorm.io/gorm"
)

type recordingProvider struct {
	last  []ai.Message
	reply string
	err   error
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (ai.Completion, error) {
	_ = ctx
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	if p.err != nil {
		return ai.Completion{}, p.err
	}
	reply := p.reply
	if reply == "" {
		reply = "ok"
	}
	return ai.Completion{
		Content: reply,
		Model:   "fake-model",
		Usage:   ai.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}, nil
}

type fakeSender struct {
	sent []string
	err  error
}

func (s *fakeSender) SendText(ctx context.Context, instanceName, number, text string) (*gateway.SentMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, number+":"+text)
	return &gateway.SentMessage{ID: fmt.Sprintf("OUT%d", len(s.sent))}, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&agent.Agent{}, &instance.Instance{}, &Thread{}, &Message{}, &RoutingRule{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type harness struct {
	db         *gorm.DB
	repo       *Repo
	agents     *agent.Repo
	instances  *instance.Repo
	prov       *recordingProvider
	sender     *fakeSender
	dispatcher *Dispatcher
	svc        *Service
}

func newHarness(t *testing.T, window int) *harness {
	t.Helper()
	db := openTestDB(t)
	h := &harness{
		db:        db,
		repo:      NewRepo(db),
		agents:    agent.NewRepo(db),
		instances: instance.NewRepo(db),
		prov:      &recordingProvider{},
		sender:    &fakeSender{},
	}
	reg := ai.NewRegistry("fake")
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return h.prov, nil
	})
	h.dispatcher = NewDispatcher(h.repo, h.agents, agent.NewExecutor(reg), h.sender, window)
	h.svc = NewService(h.repo, h.dispatcher, h.agents)
	return h
}

func (h *harness) seedAgent(t *testing.T, userID uint64, name string) *agent.Agent {
	t.Helper()
	a := &agent.Agent{UserID: userID, Name: name, Provider: "fake", Model: "default", SystemPrompt: "be brief", Active: true}
	if err := h.agents.Create(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestSendMessage_WritesUserAndAssistant(t *testing.T) {
	h := newHarness(t, 20)
	a := h.seedAgent(t, 1, "helper")

	thread, err := h.svc.CreateThread(context.Background(), 1, "", &a.ID)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	reply, err := h.svc.SendMessage(context.Background(), 1, thread.ThreadID, "Hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if reply.Message.Content != "ok" {
		t.Fatalf("unexpected reply: %q", reply.Message.Content)
	}
	if reply.Message.ID == 0 {
		t.Fatalf("expected assistant message id to be set")
	}
	meta := reply.Message.Metadata.Data()
	if meta.Model != "fake-model" || meta.Usage == nil || meta.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected assistant metadata: %+v", meta)
	}

	var msgs []Message
	if err := h.db.Where("thread_id = ?", thread.ThreadID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "Hello" || msgs[0].Position != 1 {
		t.Fatalf("unexpected user msg: %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "ok" || msgs[1].Position != 2 {
		t.Fatalf("unexpected assistant msg: %+v", msgs[1])
	}
	// system prompt goes first
	if h.prov.last[0].Role != "system" || h.prov.last[0].Content != "be brief" {
		t.Fatalf("expected system prompt first, got %+v", h.prov.last[0])
	}
}

func TestSendMessage_UsesContextWindow(t *testing.T) {
	window := 3
	h := newHarness(t, window)
	a := h.seedAgent(t, 2, "helper")

	thread, err := h.svc.CreateThread(context.Background(), 2, "window", &a.ID)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	// seed messages: 5 messages already in history
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := h.repo.AppendMessage(context.Background(), &Message{
			ThreadID: thread.ThreadID,
			Role:     role,
			Content:  "seed",
			Status:   StatusReceived,
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	if _, err := h.svc.SendMessage(context.Background(), 2, thread.ThreadID, "new"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	// window turns plus the system prompt
	if len(h.prov.last) != window+1 {
		t.Fatalf("expected provider to receive %d messages, got %d", window+1, len(h.prov.last))
	}
	last := h.prov.last[len(h.prov.last)-1]
	if last.Role != RoleUser || last.Content != "new" {
		t.Fatalf("expected last provider msg to be new user msg, got role=%q content=%q", last.Role, last.Content)
	}
}

func TestSendMessage_OtherUsersThreadIsNotFound(t *testing.T) {
	h := newHarness(t, 20)
	thread, err := h.svc.CreateThread(context.Background(), 1, "mine", nil)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	_, err = h.svc.SendMessage(context.Background(), 99, thread.ThreadID, "hi")
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestTrimMessages_KeepsNewestAndClamps(t *testing.T) {
	h := newHarness(t, 20)
	thread, err := h.svc.CreateThread(context.Background(), 3, "long", nil)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	for i := 0; i < 25; i++ {
		if err := h.repo.AppendMessage(context.Background(), &Message{
			ThreadID: thread.ThreadID,
			Role:     RoleUser,
			Content:  fmt.Sprintf("m%d", i),
			Status:   StatusReceived,
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	// 2 is below the floor and is raised to 10
	deleted, err := h.svc.TrimMessages(context.Background(), 3, thread.ThreadID, 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 15 {
		t.Fatalf("expected 15 deleted, got %d", deleted)
	}

	msgs, err := h.svc.ListMessages(context.Background(), 3, thread.ThreadID, 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 10 || msgs[0].Content != "m24" || msgs[9].Content != "m15" {
		t.Fatalf("unexpected remaining messages: %d first=%q", len(msgs), msgs[0].Content)
	}

	got, err := h.repo.GetThread(context.Background(), thread.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.MessageCount != 10 {
		t.Fatalf("expected message_count 10, got %d", got.MessageCount)
	}
}

func TestClampKeep(t *testing.T) {
	cases := map[int]int{0: 10, 10: 10, 500: 500, 1000: 1000, 5000: 1000}
	for in, want := range cases {
		if got := ClampKeep(in); got != want {
			t.Fatalf("ClampKeep(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestAssignAgent_RejectsForeignAgent(t *testing.T) {
	h := newHarness(t, 20)
	foreign := h.seedAgent(t, 42, "not yours")
	thread, err := h.svc.CreateThread(context.Background(), 1, "t", nil)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := h.svc.AssignAgent(context.Background(), 1, thread.ThreadID, &foreign.ID); !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("expected agent.ErrNotFound, got %v", err)
	}
}
