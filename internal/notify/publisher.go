package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/telemetry"
)

// Publisher pushes job and payment status changes onto Redis pub/sub channels
// for the presentation layer. Publishing is a side effect, not a dependency:
// failures are logged and counted, never returned, so a dead Redis cannot
// block or roll back a transition.
type Publisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

func NewPublisher(client *redis.Client, prefix string, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "coordinator"
	}
	return &Publisher{client: client, prefix: prefix, timeout: 2 * time.Second, log: log}
}

type statusMessage struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (p *Publisher) JobStatusChanged(ctx context.Context, job models.Job) {
	p.publish(ctx, p.prefix+":jobs:"+job.ID, statusMessage{
		Kind:   "job",
		ID:     job.ID,
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

func (p *Publisher) PaymentStatusChanged(ctx context.Context, pay models.Payment) {
	p.publish(ctx, p.prefix+":jobs:"+pay.JobID, statusMessage{
		Kind:   "payment",
		ID:     pay.ID,
		JobID:  pay.JobID,
		Status: string(pay.Status),
	})
}

func (p *Publisher) publish(ctx context.Context, channel string, msg statusMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("marshal status message", zap.Error(err))
		telemetry.NotifyFailures.Inc()
		return
	}
	// Detach from the caller's deadline so a slow publish cannot hold the
	// transition, but still bound it.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.client.Publish(pctx, channel, raw).Err(); err != nil {
		p.log.Warn("publish status change", zap.String("channel", channel), zap.Error(err))
		telemetry.NotifyFailures.Inc()
	}
}
