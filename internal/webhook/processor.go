package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/whatsapp"
)

// ErrUnknownInstance means the event names an instance this service does not own.
var ErrUnknownInstance = errors.New("unknown instance")

type InstanceEvents interface {
	ApplyQRUpdate(ctx context.Context, name, code, image, pairing string) error
	ApplyConnectionUpdate(ctx context.Context, name string, ch instance.ConnectionChange) (instance.Status, bool, error)
}

type Conversations interface {
	ImportMessage(ctx context.Context, instanceName string, raw map[string]any, opts chat.ImportOptions) (*chat.ImportResult, error)
	UpdateMessageStatus(ctx context.Context, instanceName string, u whatsapp.StatusUpdate) (bool, error)
	ImportContact(ctx context.Context, instanceName string, c whatsapp.ContactUpdate) (bool, error)
}

type Responder interface {
	Dispatch(ctx context.Context, inst *instance.Instance, t *chat.Thread) (*chat.Reply, error)
}

// Result is what the controller reports back on success.
type Result struct {
	Event     string
	Instance  string
	Message   string
	Processed int
	Total     int
}

// Processor routes a normalized webhook event to the component that owns it.
type Processor struct {
	instances InstanceEvents
	convs     Conversations
	responder Responder
}

func NewProcessor(instances InstanceEvents, convs Conversations, responder Responder) *Processor {
	return &Processor{instances: instances, convs: convs, responder: responder}
}

// Handle processes one raw payload. Ignored events succeed; an event for an
// unknown instance fails with ErrUnknownInstance; anything else returned is an
// internal failure.
func (p *Processor) Handle(ctx context.Context, raw map[string]any) (Result, error) {
	ev := whatsapp.Normalize(raw)
	res := Result{Event: ev.EventName(), Instance: ev.InstanceName()}
	log := logrus.WithFields(logrus.Fields{"event": res.Event, "instance": res.Instance})

	var err error
	switch e := ev.(type) {
	case whatsapp.QRUpdate:
		err = p.qr(ctx, e, &res)
	case whatsapp.ConnectionUpdate:
		err = p.connection(ctx, e, &res)
	case whatsapp.MessageUpsert:
		err = p.upsert(ctx, e, &res)
	case whatsapp.MessageUpdate:
		err = p.statuses(ctx, e, &res)
	case whatsapp.ContactsUpdate:
		err = p.contacts(ctx, e, &res)
	default:
		log.Info("[WEBHOOK] event ignored")
		res.Message = "Event ignored: " + res.Event
		return res, nil
	}
	if errors.Is(err, instance.ErrNotFound) {
		err = fmt.Errorf("%w: %s", ErrUnknownInstance, res.Instance)
	}
	if err != nil {
		return res, err
	}
	log.WithField("result", res.Message).Info("[WEBHOOK] event processed")
	return res, nil
}

func (p *Processor) qr(ctx context.Context, e whatsapp.QRUpdate, res *Result) error {
	if err := p.instances.ApplyQRUpdate(ctx, e.InstanceName(), e.Code, e.Base64, e.PairingCode); err != nil {
		return err
	}
	res.Message = "QR code updated"
	return nil
}

func (p *Processor) connection(ctx context.Context, e whatsapp.ConnectionUpdate, res *Result) error {
	status, applied, err := p.instances.ApplyConnectionUpdate(ctx, e.InstanceName(), instance.ConnectionChange{
		State: e.State,
		At:    e.At,
		Profile: instance.Profile{
			Phone:      whatsapp.PhoneFromJID(e.WUID),
			Name:       e.ProfileName,
			PictureURL: e.ProfilePicture,
		},
	})
	if err != nil {
		return err
	}
	if !applied {
		res.Message = "Connection update ignored"
		return nil
	}
	res.Message = "Connection status: " + string(status)
	return nil
}

func (p *Processor) upsert(ctx context.Context, e whatsapp.MessageUpsert, res *Result) error {
	res.Total = len(e.Messages)
	for _, raw := range e.Messages {
		imp, err := p.convs.ImportMessage(ctx, e.InstanceName(), raw, chat.ImportOptions{Source: chat.SourceWebhook})
		if errors.Is(err, chat.ErrInvalidMessage) {
			logrus.WithError(err).WithField("instance", e.InstanceName()).Warn("[WEBHOOK] message dropped")
			continue
		}
		if err != nil {
			return err
		}
		if imp.Skipped {
			continue
		}
		res.Processed++
		p.respond(ctx, imp)
	}
	res.Message = fmt.Sprintf("Processed %d of %d messages", res.Processed, res.Total)
	return nil
}

// respond runs the reply for a freshly imported message. Failures are logged
// only: the inbound message is already stored and the provider must not retry it.
func (p *Processor) respond(ctx context.Context, imp *chat.ImportResult) {
	log := logrus.WithFields(logrus.Fields{
		"instance":            imp.Instance.Name,
		"thread_id":           imp.Thread.ThreadID,
		"provider_message_id": imp.Inbound.ProviderID,
	})
	if !imp.ShouldAutoRespond {
		return
	}
	if imp.Message.Content == "" {
		log.Info("[WEBHOOK] empty content, no reply")
		return
	}
	if p.responder == nil {
		return
	}
	if _, err := p.responder.Dispatch(ctx, imp.Instance, imp.Thread); err != nil {
		log.WithError(err).Error("[WEBHOOK] auto reply failed")
	}
}

func (p *Processor) statuses(ctx context.Context, e whatsapp.MessageUpdate, res *Result) error {
	res.Total = len(e.Updates)
	for _, u := range e.Updates {
		applied, err := p.convs.UpdateMessageStatus(ctx, e.InstanceName(), u)
		if err != nil {
			return err
		}
		if applied {
			res.Processed++
		}
	}
	res.Message = fmt.Sprintf("Updated %d message statuses", res.Processed)
	return nil
}

func (p *Processor) contacts(ctx context.Context, e whatsapp.ContactsUpdate, res *Result) error {
	res.Total = len(e.Contacts)
	for _, c := range e.Contacts {
		updated, err := p.convs.ImportContact(ctx, e.InstanceName(), c)
		if err != nil {
			return err
		}
		if updated {
			res.Processed++
		}
	}
	res.Message = fmt.Sprintf("Updated %d of %d contacts", res.Processed, res.Total)
	return nil
}
