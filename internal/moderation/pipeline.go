package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cosmicmatch/chatrelay/internal/message"
	"github.com/cosmicmatch/chatrelay/internal/metrics"
	"github.com/cosmicmatch/chatrelay/internal/protocol"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("moderation: pipeline closed")

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("moderation: queue full")

// PipelineConfig holds worker pool settings.
type PipelineConfig struct {
	Workers    int           // concurrent evaluators
	QueueSize  int           // buffered jobs before Submit starts dropping
	JobTimeout time.Duration // per-job deadline for store and side effects; 0 = none
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:   4,
		QueueSize: 1024,
	}
}

// Recorder persists moderation decisions.
type Recorder interface {
	ApplyModeration(ctx context.Context, id string, u message.ModerationUpdate) error
}

// Notifier pushes an event to a user's live connection, if any.
type Notifier interface {
	Send(userID string, data []byte) bool
}

// Publisher fans moderation results out to other services.
type Publisher interface {
	PublishModerationResult(data []byte) error
}

// Offenses escalates send restrictions for senders of deleted content.
type Offenses interface {
	Escalate(ctx context.Context, userID, reason string) (time.Duration, error)
}

// Pipeline evaluates persisted messages on a bounded worker pool and applies
// the decision after the fact. Delivery never waits for it.
type Pipeline struct {
	config    PipelineConfig
	rules     *Rules
	store     Recorder
	notifier  Notifier
	publisher Publisher
	offenses  Offenses

	jobs chan Job
	wg   sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewPipeline creates a pipeline using the default rules. Call Start to
// launch the workers.
func NewPipeline(config PipelineConfig, store Recorder, notifier Notifier) *Pipeline {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	return &Pipeline{
		config:   config,
		rules:    defaultRules,
		store:    store,
		notifier: notifier,
		jobs:     make(chan Job, config.QueueSize),
	}
}

// SetRules replaces the rule set. Must be called before Start.
func (p *Pipeline) SetRules(r *Rules) {
	p.rules = r
}

// SetPublisher attaches a result publisher. Must be called before Start.
func (p *Pipeline) SetPublisher(pub Publisher) {
	p.publisher = pub
}

// SetOffenses attaches the ban escalator. Must be called before Start.
func (p *Pipeline) SetOffenses(o Offenses) {
	p.offenses = o
}

// Start launches the worker goroutines.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("[moderation] pipeline started workers=%d queue=%d", p.config.Workers, p.config.QueueSize)
}

// Submit enqueues a job without blocking. A full or closed queue drops the
// job; the caller's delivery path is never affected.
func (p *Pipeline) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		metrics.ModerationDropped.Inc()
		log.Printf("[moderation] dropped message=%s: pipeline closed", job.MessageID)
		return ErrClosed
	}

	select {
	case p.jobs <- job:
		metrics.ModerationQueueDepth.Inc()
		return nil
	default:
		metrics.ModerationDropped.Inc()
		log.Printf("[moderation] dropped message=%s: queue full (size=%d)", job.MessageID, p.config.QueueSize)
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued jobs to drain or ctx to expire.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[moderation] pipeline drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("moderation: drain: %w", ctx.Err())
	}
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.ModerationQueueDepth.Dec()
		p.run(job)
	}
	log.Printf("[moderation] worker %d stopped", id)
}

// run applies one job. Jobs are detached from any connection, so they use a
// fresh context bounded only by the optional job timeout.
func (p *Pipeline) run(job Job) {
	ctx := context.Background()
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[moderation] panic message=%s: %v", job.MessageID, r)
		}
	}()

	if _, err := p.Apply(ctx, job); err != nil {
		log.Printf("[moderation] apply message=%s failed: %v", job.MessageID, err)
	}
}

// Apply evaluates job and carries out the resulting action: a single store
// update, then best-effort notifications. It is safe to call directly.
func (p *Pipeline) Apply(ctx context.Context, job Job) (Action, error) {
	action := p.rules.Moderate(job.Content)
	if action.None() {
		metrics.ModerationActions.WithLabelValues("none").Inc()
		return action, nil
	}

	update := message.ModerationUpdate{Reason: strings.Join(action.Reasons, ";")}
	if action.Delete {
		placeholder := Placeholder
		update.Content = &placeholder
	}

	if err := p.store.ApplyModeration(ctx, job.MessageID, update); err != nil {
		return action, fmt.Errorf("moderation: record: %w", err)
	}

	label := "flag"
	if action.Delete {
		label = "delete"
	}
	metrics.ModerationActions.WithLabelValues(label).Inc()
	log.Printf("[moderation] %s message=%s sender=%s score=%d reasons=%s",
		label, job.MessageID, job.SenderID, action.Score, update.Reason)

	if action.Delete {
		p.notify(job)
		p.escalate(ctx, job, update.Reason)
	}
	p.publish(job, action)

	return action, nil
}

func (p *Pipeline) notify(job Job) {
	if p.notifier == nil {
		return
	}
	kind := job.MessageType
	if kind == "" {
		kind = message.TypeText
	}
	data, err := protocol.NewServerMessage(protocol.TypeMessageModerated, protocol.MessageModeratedMsg{
		MessageID:   job.MessageID,
		Placeholder: Placeholder,
		SenderID:    job.SenderID,
		ReceiverID:  job.ReceiverID,
		MessageType: kind,
	})
	if err != nil {
		log.Printf("[moderation] build message_moderated: %v", err)
		return
	}
	p.notifier.Send(job.ReceiverID, data)
	p.notifier.Send(job.SenderID, data)
}

func (p *Pipeline) escalate(ctx context.Context, job Job, reason string) {
	if p.offenses == nil {
		return
	}
	d, err := p.offenses.Escalate(ctx, job.SenderID, reason)
	if err != nil {
		log.Printf("[moderation] escalate sender=%s: %v", job.SenderID, err)
		return
	}
	log.Printf("[moderation] sender=%s restricted for %s", job.SenderID, d)
}

func (p *Pipeline) publish(job Job, action Action) {
	if p.publisher == nil {
		return
	}
	data, err := json.Marshal(ModerationResult{
		MessageID:  job.MessageID,
		SenderID:   job.SenderID,
		ReceiverID: job.ReceiverID,
		Score:      action.Score,
		Deleted:    action.Delete,
		Flagged:    action.Flag,
		Reasons:    action.Reasons,
		Ts:         time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[moderation] marshal result: %v", err)
		return
	}
	if err := p.publisher.PublishModerationResult(data); err != nil {
		log.Printf("[moderation] publish result message=%s: %v", job.MessageID, err)
	}
}
