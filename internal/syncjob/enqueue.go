package syncjob

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/common"
)

// Publisher hands a persisted job id to the worker queue.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Enqueuer struct {
	repo *Repo
	pub  Publisher
}

// NewEnqueuer returns an enqueuer. With a nil publisher jobs stay queued until
// an operator runs them.
func NewEnqueuer(repo *Repo, pub Publisher) *Enqueuer {
	return &Enqueuer{repo: repo, pub: pub}
}

// EnqueueInitialSync creates one job per initial import kind and publishes it.
func (e *Enqueuer) EnqueueInitialSync(ctx context.Context, instanceID uint64) error {
	var errs []error
	for _, kind := range InitialKinds {
		if _, err := e.Enqueue(ctx, instanceID, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Enqueuer) Enqueue(ctx context.Context, instanceID uint64, kind Kind) (*Job, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job := &Job{ID: id, InstanceID: instanceID, Kind: kind, Status: StatusQueued}
	if err := e.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create %s job: %w", kind, err)
	}

	log := logrus.WithFields(logrus.Fields{"job_id": id, "instance_id": instanceID, "kind": kind})
	if e.pub == nil {
		log.Warn("[SYNC] no publisher, job left queued")
		return job, nil
	}
	if err := e.pub.PublishJob(ctx, id); err != nil {
		_ = e.repo.MarkFailed(ctx, id, "publish: "+err.Error())
		return nil, fmt.Errorf("publish %s job: %w", kind, err)
	}
	log.Info("[SYNC] job enqueued")
	return job, nil
}
