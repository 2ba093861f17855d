// Package queue implements the durable message broker driving the pipeline.
// Messages are persisted rows; delivery is at-least-once with a visibility
// timeout, bounded attempts, and a dead-letter state. Consumers must be
// idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
)

// Delivery is one message handed to a consumer.
type Delivery struct {
	ID       uint
	Queue    string
	Body     []byte
	Attempts int
}

// Decode unmarshals the delivery body into v.
func (d *Delivery) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

// Handler processes one delivery. Returning nil acknowledges the message;
// returning an error leaves it for redelivery. Handlers must only return an
// error for transient failures; anything unrecoverable should be recorded
// as a dummy artifact and acknowledged.
type Handler func(ctx context.Context, delivery *Delivery) error

type consumer struct {
	queue   string
	handler Handler
}

// Broker is the database-backed message broker.
type Broker struct {
	db      *gorm.DB
	log     hclog.Logger
	cfg     config.QueueConfig
	monitor *SystemLoadMonitor

	mu        sync.Mutex
	notify    map[string]chan struct{}
	consumers []consumer
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroker creates a broker over the given database.
func NewBroker(db *gorm.DB, cfg config.QueueConfig, log hclog.Logger) *Broker {
	return &Broker{
		db:      db,
		log:     log,
		cfg:     cfg,
		notify:  make(map[string]chan struct{}),
		monitor: NewSystemLoadMonitor(),
	}
}

// Migrate creates the broker's table.
func (b *Broker) Migrate() error {
	return b.db.AutoMigrate(&database.QueueMessage{})
}

// Start begins dispatching to registered consumers and starts the
// visibility janitor. Messages left inflight by a previous crash are
// requeued first.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("broker is already running")
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	consumers := append([]consumer(nil), b.consumers...)
	b.mu.Unlock()

	if err := b.RecoverInflight(ctx); err != nil {
		b.log.Error("failed to requeue inflight messages", "error", err)
	}

	for _, c := range consumers {
		b.startConsumer(c)
	}

	b.wg.Add(1)
	go b.visibilityJanitor()

	b.log.Info("broker started", "consumers", len(consumers), "prefetch", b.cfg.Prefetch)
	return nil
}

// Stop waits for in-flight handlers to finish. Unacknowledged messages stay
// inflight and return to pending once their visibility timeout lapses.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.log.Info("broker stopped")
		return nil
	case <-ctx.Done():
		b.log.Warn("broker stop timed out")
		return ctx.Err()
	}
}

// Publish durably enqueues one message. The row is committed before this
// returns, so a publish after a side effect preserves stage ordering.
func (b *Broker) Publish(ctx context.Context, queueName string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := database.QueueMessage{
		Queue:       queueName,
		Status:      database.MessagePending,
		Body:        string(body),
		AvailableAt: time.Now(),
	}
	if err := b.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	b.wake(queueName)
	return nil
}

// PublishAll enqueues many messages in batches.
func (b *Broker) PublishAll(ctx context.Context, queueName string, payloads []interface{}) error {
	if len(payloads) == 0 {
		return nil
	}

	msgs := make([]database.QueueMessage, 0, len(payloads))
	now := time.Now()
	for _, p := range payloads {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		msgs = append(msgs, database.QueueMessage{
			Queue:       queueName,
			Status:      database.MessagePending,
			Body:        string(body),
			AvailableAt: now,
		})
	}
	if err := b.db.WithContext(ctx).CreateInBatches(msgs, 100).Error; err != nil {
		return fmt.Errorf("failed to enqueue messages: %w", err)
	}

	b.wake(queueName)
	return nil
}

// Consume registers a handler for a queue. Must be called before Start.
func (b *Broker) Consume(queueName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, consumer{queue: queueName, handler: handler})
}

// Depth returns the number of undelivered messages in a queue.
func (b *Broker) Depth(queueName string) (int64, error) {
	var count int64
	err := b.db.Model(&database.QueueMessage{}).
		Where("queue = ? AND status IN ?", queueName, []string{database.MessagePending, database.MessageInflight}).
		Count(&count).Error
	return count, err
}

// ListDead returns dead-lettered messages, oldest first.
func (b *Broker) ListDead(limit int) ([]database.QueueMessage, error) {
	var msgs []database.QueueMessage
	err := b.db.Where("status = ?", database.MessageDead).
		Order("id").Limit(limit).Find(&msgs).Error
	return msgs, err
}

// Redeliver returns a dead-lettered message to its queue with a fresh
// attempt budget, counting the redelivery.
func (b *Broker) Redeliver(id uint) error {
	res := b.db.Model(&database.QueueMessage{}).
		Where("id = ? AND status = ?", id, database.MessageDead).
		Updates(map[string]interface{}{
			"status":       database.MessagePending,
			"attempts":     0,
			"redeliveries": gorm.Expr("redeliveries + 1"),
			"available_at": time.Now(),
			"locked_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("message %d is not dead-lettered", id)
	}

	var msg database.QueueMessage
	if err := b.db.Select("queue").First(&msg, id).Error; err == nil {
		b.wake(msg.Queue)
	}
	return nil
}

// Drop permanently removes a message.
func (b *Broker) Drop(id uint) error {
	return b.db.Delete(&database.QueueMessage{}, id).Error
}

// RecoverInflight requeues messages locked by a process that no longer
// exists. Safe to run at startup and periodically.
func (b *Broker) RecoverInflight(ctx context.Context) error {
	res := b.db.WithContext(ctx).Model(&database.QueueMessage{}).
		Where("status = ? AND locked_at < ?", database.MessageInflight, time.Now().Add(-b.cfg.VisibilityTimeout)).
		Updates(map[string]interface{}{
			"status":       database.MessagePending,
			"locked_at":    nil,
			"available_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		b.log.Warn("requeued expired inflight messages", "count", res.RowsAffected)
	}
	return nil
}

func (b *Broker) wake(queueName string) {
	b.mu.Lock()
	ch, ok := b.notify[queueName]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Broker) startConsumer(c consumer) {
	b.mu.Lock()
	ch, ok := b.notify[c.queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.notify[c.queue] = ch
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(c, ch)
}

// dispatch pulls messages for one queue and hands each to its own
// goroutine, bounded by the prefetch limit.
func (b *Broker) dispatch(c consumer, wake <-chan struct{}) {
	defer b.wg.Done()

	slots := make(chan struct{}, b.maxParallelism())
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := b.claimNext(c.queue)
		if err != nil {
			b.log.Error("failed to claim message", "queue", c.queue, "error", err)
		}
		if msg == nil {
			select {
			case <-b.ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
			continue
		}

		if b.cfg.AdaptiveWorkers && !b.monitor.ShouldScaleUp() {
			// System under pressure; process serially until it recovers.
			b.runHandler(c, msg)
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-b.ctx.Done():
			return
		}
		b.wg.Add(1)
		go func(m *Delivery) {
			defer b.wg.Done()
			defer func() { <-slots }()
			b.runHandler(c, m)
		}(msg)
	}
}

func (b *Broker) maxParallelism() int {
	if b.cfg.Prefetch < 1 {
		return 1
	}
	return b.cfg.Prefetch
}

// claimNext atomically claims the oldest available message. The claim is a
// conditional update, so concurrent dispatchers never double-deliver a
// pending row.
func (b *Broker) claimNext(queueName string) (*Delivery, error) {
	for {
		var msg database.QueueMessage
		err := b.db.Where("queue = ? AND status = ? AND available_at <= ?",
			queueName, database.MessagePending, time.Now()).
			Order("id").First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res := b.db.Model(&database.QueueMessage{}).
			Where("id = ? AND status = ?", msg.ID, database.MessagePending).
			Updates(map[string]interface{}{
				"status":    database.MessageInflight,
				"locked_at": now,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker claimed it first; try the next row.
			continue
		}

		return &Delivery{
			ID:       msg.ID,
			Queue:    msg.Queue,
			Body:     []byte(msg.Body),
			Attempts: msg.Attempts + 1,
		}, nil
	}
}

func (b *Broker) runHandler(c consumer, d *Delivery) {
	err := c.handler(b.ctx, d)
	if err == nil {
		if ackErr := b.ack(d); ackErr != nil {
			b.log.Error("failed to ack message", "id", d.ID, "error", ackErr)
		}
		return
	}

	if b.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutdown: leave the message inflight for the visibility janitor.
		return
	}

	if nackErr := b.nack(d, err); nackErr != nil {
		b.log.Error("failed to nack message", "id", d.ID, "error", nackErr)
	}
}

func (b *Broker) ack(d *Delivery) error {
	return b.db.Delete(&database.QueueMessage{}, d.ID).Error
}

func (b *Broker) nack(d *Delivery, cause error) error {
	if d.Attempts >= b.cfg.MaxAttempts {
		b.log.Warn("message exhausted redelivery attempts, dead-lettering",
			"queue", d.Queue, "id", d.ID, "attempts", d.Attempts, "error", cause)
		return b.db.Model(&database.QueueMessage{}).
			Where("id = ?", d.ID).
			Updates(map[string]interface{}{
				"status":     database.MessageDead,
				"last_error": cause.Error(),
				"locked_at":  nil,
			}).Error
	}

	backoff := time.Duration(d.Attempts*d.Attempts) * time.Second
	b.log.Debug("message nacked, scheduling redelivery",
		"queue", d.Queue, "id", d.ID, "attempt", d.Attempts, "backoff", backoff, "error", cause)
	return b.db.Model(&database.QueueMessage{}).
		Where("id = ?", d.ID).
		Updates(map[string]interface{}{
			"status":       database.MessagePending,
			"available_at": time.Now().Add(backoff),
			"last_error":   cause.Error(),
			"locked_at":    nil,
		}).Error
}

// visibilityJanitor periodically requeues inflight messages whose lock has
// lapsed, covering workers that died mid-message.
func (b *Broker) visibilityJanitor() {
	defer b.wg.Done()

	interval := b.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.RecoverInflight(b.ctx); err != nil {
				b.log.Error("visibility janitor failed", "error", err)
			}
		}
	}
}
