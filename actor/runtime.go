package actor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/internal/util"
	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/storage"
)

const shardCount = 64

var (
	// ErrPersistence wraps any failure to load or durably write entity
	// state. The caller cannot know whether a failed write took effect.
	ErrPersistence = errors.New("entity state persistence failed")

	// ErrStopped is returned for work submitted after Stop.
	ErrStopped = errors.New("actor runtime stopped")
)

// PanicError is returned when an operation panics.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("entity operation on %s panicked: %v", e.Key, e.Value)
}

type envelope struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

type mailbox struct {
	queue []*envelope
}

type shard struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

// Runtime owns the mailboxes and the state store.
type Runtime struct {
	store     storage.StateStore
	encryptor *security.Encryptor
	logger    *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	shards [shardCount]shard

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	stopped  bool
}

// New creates a runtime persisting through store.
func New(store storage.StateStore, logger *slog.Logger) (*Runtime, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		store:  store,
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
	for i := range rt.shards {
		rt.shards[i].mailboxes = make(map[string]*mailbox)
	}
	return rt, nil
}

// SetEncryptor seals state blobs at rest. It must be set before the first
// invocation; existing plaintext state cannot be read afterwards.
func (rt *Runtime) SetEncryptor(enc *security.Encryptor) {
	rt.encryptor = enc
	if enc.IsEnabled() {
		rt.logger.Info("Entity state encryption at rest enabled")
	}
}

// SetInstrumentation enables spans and metrics.
func (rt *Runtime) SetInstrumentation(inst *instrumentation.Instrumentation) {
	rt.instrumentation = inst
	if inst != nil {
		rt.tracer = inst.Tracer("actor")
	}
}

// Stop cancels pending timers and rejects new ones. Operations already
// queued still run.
func (rt *Runtime) Stop() {
	rt.timersMu.Lock()
	defer rt.timersMu.Unlock()
	rt.stopped = true
	for t := range rt.timers {
		t.Stop()
	}
	clear(rt.timers)
}

func (rt *Runtime) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &rt.shards[h.Sum32()%shardCount]
}

// submit queues run on key's mailbox and waits for it to finish or for ctx
// to end. An operation whose context ended before it started is skipped.
func (rt *Runtime) submit(ctx context.Context, key string, run func(ctx context.Context) error) error {
	env := &envelope{ctx: ctx, run: run, done: make(chan error, 1)}

	sh := rt.shardFor(key)
	sh.mu.Lock()
	mb, active := sh.mailboxes[key]
	if !active {
		mb = &mailbox{}
		sh.mailboxes[key] = mb
	}
	mb.queue = append(mb.queue, env)
	sh.mu.Unlock()

	if !active {
		go rt.drain(sh, key, mb)
	}

	select {
	case err := <-env.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs queued envelopes for one key until the queue is empty. Exactly
// one drain goroutine exists per non-empty mailbox.
func (rt *Runtime) drain(sh *shard, key string, mb *mailbox) {
	for {
		sh.mu.Lock()
		if len(mb.queue) == 0 {
			delete(sh.mailboxes, key)
			sh.mu.Unlock()
			return
		}
		env := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		sh.mu.Unlock()

		if err := env.ctx.Err(); err != nil {
			env.done <- err
			continue
		}
		env.done <- rt.safeRun(env.ctx, key, env.run)
	}
}

func (rt *Runtime) safeRun(ctx context.Context, key string, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Key: key, Value: r, Stack: debug.Stack()}
			rt.logger.Error("Entity operation panicked",
				"kind", entityKind(key),
				"key_hash", util.SafeTruncate(util.HashSecret(key), 8),
				"panic", r)
		}
	}()
	return run(ctx)
}

func (rt *Runtime) startSpan(ctx context.Context, key string) (context.Context, trace.Span) {
	if rt.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return rt.tracer.Start(ctx, "actor.invoke", trace.WithAttributes(
		attribute.String(instrumentation.AttrEntityKind, entityKind(key)),
		attribute.String(instrumentation.AttrEntityKey, util.SafeTruncate(util.HashSecret(key), 16)),
	))
}

func (rt *Runtime) record(ctx context.Context, key string, err error, start time.Time) {
	if rt.instrumentation == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrPersistence):
		result = "persistence_error"
	case err != nil:
		result = "rejected"
	}
	rt.instrumentation.Metrics().RecordActorInvocation(ctx, entityKind(key), result, float64(time.Since(start).Microseconds())/1000)
}

// entityKind is the key prefix before the first colon, used as a metric label.
func entityKind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "entity"
}
