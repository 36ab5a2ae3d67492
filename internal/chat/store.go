package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/common"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/whatsapp"
	"gorm.io/datatypes"
)

// ErrInvalidMessage marks a payload that cannot be attributed to any contact.
var ErrInvalidMessage = errors.New("invalid message payload")

const defaultContactName = "WhatsApp Contact"

type InstanceLookup interface {
	GetByName(ctx context.Context, name string) (*instance.Instance, error)
}

type SkipReason string

const (
	SkipFromMe    SkipReason = "from_me"
	SkipDuplicate SkipReason = "duplicate"
)

type ImportOptions struct {
	// Source is SourceWebhook or SourceSync. Synced history never asks for a reply.
	Source     string
	ReceivedAt time.Time
}

type ImportResult struct {
	Skipped           bool
	Reason            SkipReason
	Instance          *instance.Instance
	Thread            *Thread
	Message           *Message
	Inbound           whatsapp.InboundMessage
	ShouldAutoRespond bool
}

// Store maps gateway contacts onto threads and persists their messages.
type Store struct {
	repo      *Repo
	instances InstanceLookup
	policy    Policy
}

func NewStore(repo *Repo, instances InstanceLookup, policy Policy) *Store {
	return &Store{repo: repo, instances: instances, policy: policy}
}

func (s *Store) Repo() *Repo { return s.repo }

// ImportMessage persists one raw inbound message. Self-sent and already
// imported messages are skipped without error.
func (s *Store) ImportMessage(ctx context.Context, instanceName string, raw map[string]any, opts ImportOptions) (*ImportResult, error) {
	inst, err := s.instances.GetByName(ctx, instanceName)
	if err != nil {
		return nil, fmt.Errorf("resolve instance %q: %w", instanceName, err)
	}

	receivedAt := opts.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	in := whatsapp.ExtractMessage(raw, receivedAt)
	res := &ImportResult{Instance: inst, Inbound: in}

	log := logrus.WithFields(logrus.Fields{
		"instance":            inst.Name,
		"provider_message_id": in.ProviderID,
		"remote_jid":          in.RemoteJID,
	})

	if in.FromMe {
		log.Debug("[STORE] self message skipped")
		res.Skipped, res.Reason = true, SkipFromMe
		return res, nil
	}
	if in.RemoteJID == "" {
		return nil, fmt.Errorf("%w: message %s has no remote jid", ErrInvalidMessage, in.ProviderID)
	}

	exists, err := s.repo.MessageExists(ctx, inst.ID, in.ProviderID)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Info("[STORE] duplicate message skipped")
		res.Skipped, res.Reason = true, SkipDuplicate
		return res, nil
	}

	thread, err := s.resolveThread(ctx, inst, in)
	if err != nil {
		return nil, err
	}
	res.Thread = thread

	source := opts.Source
	if source == "" {
		source = SourceWebhook
	}
	msg := &Message{
		ThreadID:          thread.ThreadID,
		Role:              RoleUser,
		Content:           in.Content.Body,
		InstanceID:        &inst.ID,
		ProviderMessageID: &in.ProviderID,
		Status:            StatusReceived,
		Metadata:          datatypes.NewJSONType(inboundMeta(in, source)),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		// a concurrent redelivery may have inserted it first
		if dup, derr := s.repo.MessageExists(ctx, inst.ID, in.ProviderID); derr == nil && dup {
			log.Info("[STORE] duplicate message skipped after insert race")
			res.Skipped, res.Reason = true, SkipDuplicate
			return res, nil
		}
		return nil, fmt.Errorf("append message: %w", err)
	}
	thread.MessageCount++
	res.Message = msg

	if source != SourceSync {
		res.ShouldAutoRespond = s.policy.ShouldRespond(inst.Settings.Data(), thread, in.IsGroup)
	}
	log.WithFields(logrus.Fields{
		"thread_id":    thread.ThreadID,
		"auto_respond": res.ShouldAutoRespond,
	}).Info("[STORE] message imported")
	return res, nil
}

func inboundMeta(in whatsapp.InboundMessage, source string) MessageMeta {
	meta := MessageMeta{
		Source:            source,
		ProviderMessageID: in.ProviderID,
		RemoteJID:         in.RemoteJID,
		Participant:       in.Participant,
		PushName:          in.PushName,
		Type:              in.Type(),
		MediaURL:          in.Content.MediaURL,
		MimeType:          in.Content.MimeType,
		FileName:          in.Content.FileName,
		Caption:           in.Content.Caption,
		QuotedID:          in.Content.QuotedID,
		IsGroup:           in.IsGroup,
	}
	if !in.Timestamp.IsZero() {
		ts := in.Timestamp
		meta.ProviderTimestamp = &ts
	}
	return meta
}

// contactName is the name a message carries for its thread. Group messages
// carry the sender's name, not the group's, so they never rename the thread.
func contactName(in whatsapp.InboundMessage) string {
	if in.IsGroup {
		return ""
	}
	return in.PushName
}

func displayName(name, phone string) string {
	if name != "" {
		return name
	}
	if p := whatsapp.DisplayPhone(phone); p != "" {
		return p
	}
	return defaultContactName
}

func (s *Store) resolveThread(ctx context.Context, inst *instance.Instance, in whatsapp.InboundMessage) (*Thread, error) {
	name := contactName(in)

	t, err := s.repo.FindThreadByContact(ctx, inst.ID, in.RemoteJID)
	if err == nil {
		if err := s.upgradeContact(ctx, t, name, in.Phone); err != nil {
			return nil, err
		}
		return t, nil
	}
	if !errors.Is(err, ErrThreadNotFound) {
		return nil, err
	}

	tid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	jid := in.RemoteJID
	display := displayName(name, in.Phone)
	t = &Thread{
		ThreadID:     tid,
		UserID:       inst.UserID,
		Title:        display,
		InstanceID:   &inst.ID,
		ContactJID:   &jid,
		ContactPhone: in.Phone,
		ContactName:  display,
		Status:       ThreadActive,
	}
	t, created, err := s.repo.CreateContactThreadOrGetExisting(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	if !created {
		if err := s.upgradeContact(ctx, t, name, in.Phone); err != nil {
			return nil, err
		}
		return t, nil
	}
	logrus.WithFields(logrus.Fields{
		"instance":  inst.Name,
		"thread_id": t.ThreadID,
		"contact":   jid,
	}).Info("[STORE] thread created")
	return t, nil
}

// upgradeContact applies last-non-empty-wins to the stored contact fields.
func (s *Store) upgradeContact(ctx context.Context, t *Thread, name, phone string) error {
	fields := map[string]any{}
	if name != "" && name != t.ContactName {
		fields["contact_name"] = name
	}
	if phone != "" && phone != t.ContactPhone {
		fields["contact_phone"] = phone
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.repo.UpdateThread(ctx, t.ID, fields); err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if v, ok := fields["contact_name"]; ok {
		t.ContactName = v.(string)
	}
	if v, ok := fields["contact_phone"]; ok {
		t.ContactPhone = v.(string)
	}
	return nil
}

// UpdateMessageStatus records a delivery receipt for a message of the instance.
// It reports whether the stored status moved; unknown ids and receipts older
// than the stored status are a logged no-op.
func (s *Store) UpdateMessageStatus(ctx context.Context, instanceName string, u whatsapp.StatusUpdate) (bool, error) {
	inst, err := s.instances.GetByName(ctx, instanceName)
	if err != nil {
		return false, fmt.Errorf("resolve instance %q: %w", instanceName, err)
	}
	n, err := s.repo.AdvanceStatusByProviderID(ctx, inst.ID, u.ProviderMessageID, u.Status)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	if n == 0 {
		logrus.WithFields(logrus.Fields{
			"instance":            instanceName,
			"provider_message_id": u.ProviderMessageID,
			"remote_jid":          u.RemoteJID,
			"from_me":             u.FromMe,
			"status":              u.Status,
		}).Info("[STORE] status update not applied")
	}
	return n > 0, nil
}

// ImportContact refreshes the contact fields of an existing thread. A contact
// without a thread is not an error.
func (s *Store) ImportContact(ctx context.Context, instanceName string, c whatsapp.ContactUpdate) (bool, error) {
	inst, err := s.instances.GetByName(ctx, instanceName)
	if err != nil {
		return false, fmt.Errorf("resolve instance %q: %w", instanceName, err)
	}
	t, err := s.repo.FindThreadByContact(ctx, inst.ID, c.JID)
	if errors.Is(err, ErrThreadNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	before := *t
	if err := s.upgradeContact(ctx, t, c.PushName, whatsapp.PhoneFromJID(c.JID)); err != nil {
		return false, err
	}
	return before.ContactName != t.ContactName || before.ContactPhone != t.ContactPhone, nil
}
