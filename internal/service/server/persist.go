package server

import (
	"context"
	"errors"
	"pair_chat/internal/repository/conversation"
	"pair_chat/internal/utils/log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	persistQueueSize = 1024
	persistTimeout   = 10 * time.Second
	// drainTimeout bounds how long queued jobs may still be written after
	// shutdown starts. Jobs it cuts off are reported as failures.
	drainTimeout = 5 * time.Second
)

var errPersisterStopped = errors.New("persister stopped")

type (
	persistJob struct {
		msg       conversation.NewMessage
		onFailure func(error)
	}

	// Persister writes fanned-out messages to the store in the background.
	// Jobs are sharded by conversation so each conversation has exactly one
	// writer and its appends keep arrival order. On shutdown every queued job
	// is either written or reported through onFailure.
	Persister struct {
		store  conversation.Store
		queues []chan persistJob

		mu      sync.RWMutex
		stopped bool
	}
)

func NewPersister(store conversation.Store, workers int) *Persister {
	if workers <= 0 {
		workers = 1
	}
	queues := make([]chan persistJob, workers)
	for i := range queues {
		queues[i] = make(chan persistJob, persistQueueSize)
	}
	return &Persister{store: store, queues: queues}
}

func (p *Persister) shard(conversationID string) chan persistJob {
	return p.queues[xxhash.Sum64String(conversationID)%uint64(len(p.queues))]
}

// Submit queues a job, waiting for room in the shard if it is full. It fails
// once the persister is stopping.
func (p *Persister) Submit(ctx context.Context, job persistJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errPersisterStopped
	}

	select {
	case p.shard(job.msg.ConversationID) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes jobs until ctx is done, then drains what is still queued.
func (p *Persister) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, q := range p.queues {
		g.Go(func() error {
			p.work(ctx, q)
			return nil
		})
	}

	<-ctx.Done()
	p.stop()
	return g.Wait()
}

// stop closes the queues once no Submit is in the middle of a send.
func (p *Persister) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
}

func (p *Persister) work(ctx context.Context, q <-chan persistJob) {
	var drain context.Context
	for job := range q {
		jobCtx := ctx
		if ctx.Err() != nil {
			if drain == nil {
				var cancel context.CancelFunc
				drain, cancel = context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
				defer cancel()
			}
			jobCtx = drain
		}
		p.persist(jobCtx, job)
	}
}

func (p *Persister) persist(ctx context.Context, job persistJob) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if _, err := p.store.Append(ctx, job.msg); err != nil {
		log.Error("persist message failed",
			zap.String("conversation_id", job.msg.ConversationID),
			zap.String("user_id", job.msg.SenderID),
			zap.String("message_id", job.msg.ID),
			zap.Error(err),
		)
		if job.onFailure != nil {
			job.onFailure(err)
		}
	}
}
