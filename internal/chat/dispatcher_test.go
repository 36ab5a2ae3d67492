package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/agentdesk/internal/ai"
	"github.com/suPer8Hu/agentdesk/internal/instance"
)

func strPtr(s string) *string { return &s }

func TestResolveAgent_Precedence(t *testing.T) {
	h := newHarness(t, 20)
	inst := h.seedInstance(t, "inst-1", instance.Settings{})
	assigned := h.seedAgent(t, 1, "assigned")
	exact := h.seedAgent(t, 1, "exact")
	wildcard := h.seedAgent(t, 1, "wildcard")
	ctx := context.Background()

	jid := "5551@s.whatsapp.net"
	th := &Thread{UserID: 1, InstanceID: &inst.ID, ContactJID: &jid}

	a, err := h.dispatcher.ResolveAgent(ctx, th)
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = h.svc.CreateRule(ctx, 1, inst.ID, nil, wildcard.ID)
	require.NoError(t, err)
	a, err = h.dispatcher.ResolveAgent(ctx, th)
	require.NoError(t, err)
	assert.Equal(t, wildcard.ID, a.ID)

	_, err = h.svc.CreateRule(ctx, 1, inst.ID, strPtr(jid), exact.ID)
	require.NoError(t, err)
	a, err = h.dispatcher.ResolveAgent(ctx, th)
	require.NoError(t, err)
	assert.Equal(t, exact.ID, a.ID)

	// another contact still falls back to the wildcard
	other := "5552@s.whatsapp.net"
	a, err = h.dispatcher.ResolveAgent(ctx, &Thread{UserID: 1, InstanceID: &inst.ID, ContactJID: &other})
	require.NoError(t, err)
	assert.Equal(t, wildcard.ID, a.ID)

	th.AgentID = &assigned.ID
	a, err = h.dispatcher.ResolveAgent(ctx, th)
	require.NoError(t, err)
	assert.Equal(t, assigned.ID, a.ID)
}

func TestDispatch_NoAgents(t *testing.T) {
	h := newHarness(t, 20)
	h.seedInstance(t, "inst-1", instance.Settings{})

	res, err := h.store().ImportMessage(context.Background(), "inst-1", inbound("D1", "5551@s.whatsapp.net", "Bob", "hi", false), ImportOptions{})
	require.NoError(t, err)

	_, err = h.dispatcher.Dispatch(context.Background(), res.Instance, res.Thread)
	assert.ErrorIs(t, err, ErrNoAgents)
	// the inbound message stays
	assert.EqualValues(t, 1, h.countMessages(t))
	assert.Empty(t, h.sender.sent)
}

func TestDispatch_SendsReplyWithFirstActiveAgent(t *testing.T) {
	h := newHarness(t, 20)
	h.seedInstance(t, "inst-1", instance.Settings{})
	a := h.seedAgent(t, 1, "default")
	h.prov.reply = "Hello Bob"

	res, err := h.store().ImportMessage(context.Background(), "inst-1", inbound("D2", "5551@s.whatsapp.net", "Bob", "hi", false), ImportOptions{})
	require.NoError(t, err)

	reply, err := h.dispatcher.Dispatch(context.Background(), res.Instance, res.Thread)
	require.NoError(t, err)
	assert.Equal(t, a.ID, reply.Agent.ID)
	assert.True(t, reply.Sent)
	assert.Equal(t, []string{"5551:Hello Bob"}, h.sender.sent)

	var stored Message
	require.NoError(t, h.db.First(&stored, "id = ?", reply.Message.ID).Error)
	assert.Equal(t, RoleAssistant, stored.Role)
	assert.Equal(t, StatusSent, stored.Status)
	require.NotNil(t, stored.ProviderMessageID)
	assert.Equal(t, "OUT1", *stored.ProviderMessageID)
	assert.Equal(t, "fake-model", stored.Metadata.Data().Model)

	// the provider saw the inbound turn last
	last := h.prov.last[len(h.prov.last)-1]
	assert.Equal(t, ai.Message{Role: RoleUser, Content: "hi"}, last)
}

func TestDispatch_CompletionFailureRecordsFallback(t *testing.T) {
	h := newHarness(t, 20)
	h.seedInstance(t, "inst-1", instance.Settings{})
	h.seedAgent(t, 1, "default")
	h.prov.err = errors.New("completion failed: upstream 500")

	res, err := h.store().ImportMessage(context.Background(), "inst-1", inbound("D3", "5551@s.whatsapp.net", "Bob", "hi", false), ImportOptions{})
	require.NoError(t, err)

	reply, err := h.dispatcher.Dispatch(context.Background(), res.Instance, res.Thread)
	require.Error(t, err)
	require.NotNil(t, reply)
	assert.True(t, reply.Sent)
	assert.Equal(t, DefaultFallbackReply, reply.Message.Content)

	meta := reply.Message.Metadata.Data()
	assert.True(t, meta.Fallback)
	assert.Contains(t, meta.Error, "upstream 500")
	assert.EqualValues(t, 2, h.countMessages(t))
}

func TestDispatch_SendFailureMarksMessageFailed(t *testing.T) {
	h := newHarness(t, 20)
	h.seedInstance(t, "inst-1", instance.Settings{})
	h.seedAgent(t, 1, "default")
	h.sender.err = errors.New("gateway down")

	res, err := h.store().ImportMessage(context.Background(), "inst-1", inbound("D4", "5551@s.whatsapp.net", "Bob", "hi", false), ImportOptions{})
	require.NoError(t, err)

	reply, err := h.dispatcher.Dispatch(context.Background(), res.Instance, res.Thread)
	require.Error(t, err)
	require.NotNil(t, reply)
	assert.False(t, reply.Sent)

	var stored Message
	require.NoError(t, h.db.First(&stored, "id = ?", reply.Message.ID).Error)
	assert.Equal(t, StatusFailed, stored.Status)
}
