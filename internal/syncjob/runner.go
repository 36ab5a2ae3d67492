package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/whatsapp"
)

type Gateway interface {
	FindContacts(ctx context.Context, name string) ([]gateway.Contact, error)
	FindMessages(ctx context.Context, name string, limit int) ([]map[string]any, error)
	FetchGroups(ctx context.Context, name string) ([]gateway.Group, error)
}

type InstanceSource interface {
	Get(ctx context.Context, id uint64) (*instance.Instance, error)
}

type Importer interface {
	ImportMessage(ctx context.Context, instanceName string, raw map[string]any, opts chat.ImportOptions) (*chat.ImportResult, error)
	ImportContact(ctx context.Context, instanceName string, c whatsapp.ContactUpdate) (bool, error)
}

const defaultMessageLimit = 500

type Runner struct {
	repo         *Repo
	instances    InstanceSource
	gw           Gateway
	importer     Importer
	MessageLimit int
}

func NewRunner(repo *Repo, instances InstanceSource, gw Gateway, importer Importer) *Runner {
	return &Runner{
		repo:         repo,
		instances:    instances,
		gw:           gw,
		importer:     importer,
		MessageLimit: defaultMessageLimit,
	}
}

// Handle runs one job. Redeliveries of a job that was already claimed are
// acknowledged without doing the work twice.
func (r *Runner) Handle(ctx context.Context, jobID string) error {
	start := time.Now()
	log := logrus.WithField("job_id", jobID)

	claimed, err := r.repo.Claim(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("[SYNC] job already claimed, skipping")
		return nil
	}
	job, err := r.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	log = log.WithFields(logrus.Fields{"kind": job.Kind, "instance_id": job.InstanceID})

	imported, err := r.run(ctx, job)
	if err != nil {
		if merr := r.repo.MarkFailed(ctx, jobID, err.Error()); merr != nil {
			log.WithError(merr).Error("[SYNC] mark failed")
		}
		log.WithError(err).WithField("cost", time.Since(start).String()).Error("[SYNC] job failed")
		return err
	}
	if err := r.repo.MarkSucceeded(ctx, jobID, imported); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"imported": imported,
		"cost":     time.Since(start).String(),
	}).Info("[SYNC] job succeeded")
	return nil
}

func (r *Runner) run(ctx context.Context, job *Job) (int, error) {
	inst, err := r.instances.Get(ctx, job.InstanceID)
	if err != nil {
		return 0, fmt.Errorf("load instance: %w", err)
	}
	switch job.Kind {
	case KindContacts:
		return r.syncContacts(ctx, inst)
	case KindMessages:
		return r.syncMessages(ctx, inst)
	case KindGroups:
		return r.syncGroups(ctx, inst)
	}
	return 0, fmt.Errorf("unknown sync kind %q", job.Kind)
}

func (r *Runner) syncContacts(ctx context.Context, inst *instance.Instance) (int, error) {
	contacts, err := r.gw.FindContacts(ctx, inst.Name)
	if err != nil {
		return 0, fmt.Errorf("find contacts: %w", err)
	}
	n := 0
	for _, c := range contacts {
		jid := c.JID()
		if jid == "" {
			continue
		}
		updated, err := r.importer.ImportContact(ctx, inst.Name, whatsapp.ContactUpdate{
			JID:           jid,
			PushName:      c.PushName,
			ProfilePicURL: c.ProfilePicURL,
		})
		if err != nil {
			return n, err
		}
		if updated {
			n++
		}
	}
	return n, nil
}

// syncMessages imports history oldest first so threads keep arrival order.
func (r *Runner) syncMessages(ctx context.Context, inst *instance.Instance) (int, error) {
	msgs, err := r.gw.FindMessages(ctx, inst.Name, r.MessageLimit)
	if err != nil {
		return 0, fmt.Errorf("find messages: %w", err)
	}
	n := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		res, err := r.importer.ImportMessage(ctx, inst.Name, msgs[i], chat.ImportOptions{Source: chat.SourceSync})
		if errors.Is(err, chat.ErrInvalidMessage) {
			continue
		}
		if err != nil {
			return n, err
		}
		if !res.Skipped {
			n++
		}
	}
	return n, nil
}

func (r *Runner) syncGroups(ctx context.Context, inst *instance.Instance) (int, error) {
	groups, err := r.gw.FetchGroups(ctx, inst.Name)
	if err != nil {
		return 0, fmt.Errorf("fetch groups: %w", err)
	}
	n := 0
	for _, g := range groups {
		if g.ID == "" {
			continue
		}
		updated, err := r.importer.ImportContact(ctx, inst.Name, whatsapp.ContactUpdate{JID: g.ID, PushName: g.Subject})
		if err != nil {
			return n, err
		}
		if updated {
			n++
		}
	}
	return n, nil
}
