// Package bot routes gateway events into the classification pipeline and the
// interactive handlers, with bounded per-worker queues between ingestion and
// analysis.
//
// Messages from one user always land on the same worker, so per-user ordering
// holds end to end. When a queue fills the oldest entry is dropped: under
// backlog a fresh crisis message beats a stale one.
package bot

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashbot/ash/internal/alert"
	"github.com/ashbot/ash/internal/commands"
	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/pipeline"
	"github.com/ashbot/ash/internal/policy"
	"github.com/ashbot/ash/internal/session"
)

const defaultWorkers = 8

// Options configures a Runtime.
type Options struct {
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
	Logger          logging.Logger
	Metrics         *metrics.Metrics
}

// Runtime fans gateway events out to the right component.
type Runtime struct {
	pipeline   *pipeline.Pipeline
	dispatcher *alert.Dispatcher
	controls   *alert.Controls
	sessions   *session.Manager
	commands   *commands.Handler
	policy     *policy.ChannelPolicy
	logger     logging.Logger
	metrics    *metrics.Metrics

	workers   int
	queueSize int
	drainWait time.Duration

	mu       sync.Mutex
	queues   []chan crisis.Message
	started  bool
	draining bool
}

// New creates a Runtime.
func New(p *pipeline.Pipeline, d *alert.Dispatcher, c *alert.Controls, s *session.Manager, cmds *commands.Handler, pol *policy.ChannelPolicy, opts Options) *Runtime {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	return &Runtime{
		pipeline:   p,
		dispatcher: d,
		controls:   c,
		sessions:   s,
		commands:   cmds,
		policy:     pol,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		workers:    opts.Workers,
		queueSize:  opts.QueueSize,
		drainWait:  opts.ShutdownTimeout,
	}
}

// Handlers returns the callback set to register on the gateway.
func (r *Runtime) Handlers() gateway.Handlers {
	return gateway.Handlers{
		OnMessage:  r.onMessage,
		OnReaction: r.onReaction,
		OnButton:   r.onButton,
		OnCommand:  r.onCommand,
	}
}

// Run starts the workers and blocks until the context ends and the queues
// drain. Events arriving after the context ends are refused at enqueue.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.queues = make([]chan crisis.Message, r.workers)
	for i := range r.queues {
		r.queues[i] = make(chan crisis.Message, r.queueSize)
	}
	r.mu.Unlock()

	g := new(errgroup.Group)
	for i := range r.queues {
		q := r.queues[i]
		g.Go(func() error {
			for msg := range q {
				r.process(msg)
			}
			return nil
		})
	}

	<-ctx.Done()

	r.mu.Lock()
	r.draining = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(r.drainWait):
		r.logger.Warn("drain timeout, abandoning queued messages", nil)
		return nil
	}
}

// process runs one queued message through classification and dispatch. A
// fresh context per message keeps a wedged dependency from holding the worker
// forever.
func (r *Runtime) process(msg crisis.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	outcome := r.pipeline.Process(ctx, msg)
	r.dispatcher.Dispatch(ctx, outcome)
}

func (r *Runtime) stripe(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(r.workers))
}

// onMessage is the ingress filter: bot authors never enter, DMs go to the
// session manager, and only monitored guild channels reach the pipeline.
func (r *Runtime) onMessage(ev gateway.MessageEvent) {
	if ev.IsBot {
		return
	}

	if ev.IsDM {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		r.sessions.HandleDM(ctx, ev.UserID, ev.Text)
		return
	}

	if !r.policy.IsMonitored(ev.ChannelID) {
		return
	}
	if r.metrics != nil {
		r.metrics.MessagesProcessed.Inc()
	}

	r.enqueue(crisis.Message{
		GuildID:   ev.GuildID,
		ChannelID: ev.ChannelID,
		MessageID: ev.MessageID,
		UserID:    ev.UserID,
		Text:      ev.Text,
		At:        ev.At,
	})
}

// enqueue places the message on its user's worker. Workers are shared by FNV
// stripe, so on overflow the eviction must stay scoped to the sender: only
// that user's oldest queued entry is dropped, never another user's. When the
// queue is full of other users' messages the incoming one is refused instead,
// which is still the sender's oldest unprocessed message.
func (r *Runtime) enqueue(msg crisis.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.draining {
		return
	}

	q := r.queues[r.stripe(msg.UserID)]
	select {
	case q <- msg:
		return
	default:
	}

	// Rotate the queue once, discarding the sender's oldest entry. Each
	// iteration pops before it pushes, so the push-back never blocks; workers
	// only consume, and the mutex excludes other producers.
	evicted := false
rotate:
	for i, n := 0, len(q); i < n; i++ {
		select {
		case queued := <-q:
			if !evicted && queued.UserID == msg.UserID {
				evicted = true
				r.dropMessage(queued)
				continue
			}
			q <- queued
		default:
			break rotate
		}
	}

	if !evicted {
		r.dropMessage(msg)
		return
	}
	select {
	case q <- msg:
	default:
		// A worker cannot have filled the queue; only drops create room.
		r.dropMessage(msg)
	}
}

func (r *Runtime) dropMessage(msg crisis.Message) {
	if r.metrics != nil {
		r.metrics.QueueDropped.Inc()
	}
	r.logger.Warn("queue full, dropped user's oldest message", map[string]interface{}{
		"user_id":    msg.UserID,
		"channel_id": msg.ChannelID,
	})
}

func (r *Runtime) onReaction(ev gateway.ReactionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.sessions.HandleReaction(ctx, ev)
}

func (r *Runtime) onButton(ev gateway.ButtonEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.controls.HandleButton(ctx, ev)
}

func (r *Runtime) onCommand(ev gateway.CommandEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.commands.HandleCommand(ctx, ev)
}
