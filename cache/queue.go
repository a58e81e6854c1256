package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/smartcache/infrastructure/errors"
	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
)

func metaFor(now time.Time, ttl time.Duration) sidecar.Meta {
	return sidecar.Meta{StoredAt: now, CreatedAt: now, FreshTTL: ttl}
}

// Job is the refresh work handed to the external queue: a target key, a
// serializable producer descriptor, the TTL, and the tags active at
// dispatch time.
type Job struct {
	Key        string        `json:"key"`
	Descriptor string        `json:"descriptor"`
	TTL        time.Duration `json:"ttl"`
	Tags       []string      `json:"tags,omitempty"`
}

// JobQueue is the host's queue consumed for async refreshes.
type JobQueue interface {
	Dispatch(ctx context.Context, job Job) error
}

// producerRegistry resolves serializable descriptors back to producers.
// Descriptors are plain names or Class@method strings registered by the
// host; workers look them up when a job runs.
type producerRegistry struct {
	mu        sync.RWMutex
	producers map[string]Producer
}

func newProducerRegistry() *producerRegistry {
	return &producerRegistry{producers: make(map[string]Producer)}
}

func (r *producerRegistry) register(name string, producer Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[name] = producer
}

func (r *producerRegistry) resolve(descriptor string) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[descriptor]
	return p, ok
}

// RegisterProducer makes a producer addressable by descriptor for async
// refresh jobs.
func (e *Engine) RegisterProducer(descriptor string, producer Producer) {
	e.producers.register(descriptor, producer)
}

// validateDescriptor fails fast on descriptors no worker could resolve.
func (e *Engine) validateDescriptor(descriptor string) error {
	if strings.TrimSpace(descriptor) == "" {
		return errors.InvalidCallback(descriptor)
	}
	if _, ok := e.producers.resolve(descriptor); !ok {
		return errors.InvalidCallback(descriptor)
	}
	return nil
}

// RefreshAsync hands a rebuild of key off to the job queue. The active tag
// list travels with the job.
func (e *Engine) RefreshAsync(ctx context.Context, key string, descriptor string, ttl time.Duration) error {
	if err := e.validateDescriptor(descriptor); err != nil {
		return err
	}
	if e.queue == nil {
		return errors.New(errors.ErrCodeInvalidCallback, "no job queue configured")
	}
	return e.queue.Dispatch(ctx, Job{
		Key:        key,
		Descriptor: descriptor,
		TTL:        ttl,
		Tags:       e.consumeTags(),
	})
}

// AsyncSWR returns the current value and enqueues a refresh job when the
// entry has gone stale. A miss enqueues the job and returns def.
func (e *Engine) AsyncSWR(ctx context.Context, key string, freshTTL, staleTTL time.Duration, descriptor string, def interface{}) (interface{}, error) {
	prefixedKey := e.prefixed(key)

	meta, hasMeta := e.sidecar.GetMeta(ctx, prefixedKey)
	value, err := e.getInternal(ctx, prefixedKey)
	if err != nil {
		return def, err
	}

	stale := true
	if value != missSentinel && hasMeta {
		stale = time.Since(meta.StoredAt) > freshTTL
	}
	if stale {
		if err := e.RefreshAsync(ctx, key, descriptor, staleTTL); err != nil {
			return def, err
		}
	}

	if value == missSentinel {
		return def, nil
	}
	return value, nil
}

// RunJob resolves and executes a refresh job against this engine: the
// producer rebuilds the value and the result is stored under the job's key
// with its tags. Queue workers call this.
func (e *Engine) RunJob(ctx context.Context, job Job) error {
	producer, ok := e.producers.resolve(job.Descriptor)
	if !ok {
		return errors.InvalidCallback(job.Descriptor)
	}

	value, err := producer(ctx)
	if err != nil {
		return err
	}

	facade := e
	if len(job.Tags) > 0 {
		facade = e.clone().Tags(job.Tags...)
	}
	if err := facade.Put(ctx, job.Key, value, job.TTL); err != nil {
		return err
	}

	prefixedKey := e.prefixed(job.Key)
	now := time.Now()
	return e.sidecar.PutMeta(ctx, prefixedKey, metaFor(now, job.TTL), job.TTL)
}

// InProcessQueue is a minimal JobQueue for hosts without an external queue
// and for tests: a buffered channel drained by worker goroutines, running
// each job up to three times in total with a fixed backoff between tries.
type InProcessQueue struct {
	engine  *Engine
	jobs    chan Job
	backoff time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// queueRetries is the per-job attempt budget.
const queueRetries = 3

// NewInProcessQueue starts workers draining dispatched jobs against engine.
func NewInProcessQueue(engine *Engine, workers int, backoff time.Duration) *InProcessQueue {
	if workers <= 0 {
		workers = 1
	}
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	q := &InProcessQueue{
		engine:  engine,
		jobs:    make(chan Job, 128),
		backoff: backoff,
	}
	for n := 0; n < workers; n++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Dispatch enqueues a job.
func (q *InProcessQueue) Dispatch(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after the queue drains.
func (q *InProcessQueue) Close() {
	q.once.Do(func() { close(q.jobs) })
	q.wg.Wait()
}

func (q *InProcessQueue) work() {
	defer q.wg.Done()
	for job := range q.jobs {
		var err error
		for attempt := 0; attempt < queueRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(q.backoff)
			}
			if err = q.engine.RunJob(context.Background(), job); err == nil {
				break
			}
		}
		if err != nil {
			q.engine.log.WithError(err).WithFields(map[string]interface{}{
				"key": job.Key,
			}).Error("Refresh job exhausted retries")
		}
	}
}
