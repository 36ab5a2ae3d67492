package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler processes one job id. A returned error dead-letters the delivery.
type Handler func(ctx context.Context, jobID string) error

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
}

func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run feeds deliveries to a fixed pool of workers until ctx is cancelled or
// the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"queue": c.queue, "concurrency": c.concurrency}).Info("[WORKER] started")

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logrus.Info("[WORKER] shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	log := logrus.WithField("worker", workerID)

	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.WithError(err).Warn("[WORKER] bad message")
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	log = log.WithField("job_id", m.JobID)
	if err := handle(ctx, m.JobID); err != nil {
		log.WithError(err).WithField("cost", time.Since(start).String()).Error("[WORKER] job failed")
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("[WORKER] ack failed")
	}
	if cost := time.Since(start); cost > 2*time.Second {
		log.WithField("cost", cost.String()).Info("[WORKER] slow job")
	}
}

func formatTTL(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}
