package xqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
	"github.com/fairyhunter13/xqueue-grader/internal/observability"
)

// emptyPollsBeforeIdle is how many consecutive empty polls switch the
// worker to the idle poll interval, when one is configured.
const emptyPollsBeforeIdle = 3

// Worker runs a single polling loop against one queue: login, fetch,
// dispatch to the handler chain, reply. Within a worker everything is
// strictly sequential; replies are posted in fetch order.
type Worker struct {
	ID     string
	client *Client

	handlers []domain.Handler

	pollInterval      time.Duration
	idlePollInterval  time.Duration
	loginPollInterval time.Duration

	running    atomic.Bool
	processing atomic.Bool
	stopped    atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	log *slog.Logger
}

// NewWorker wires a Worker around an owned Client and handler chain.
func NewWorker(client *Client, handlers []domain.Handler, pollInterval, idlePollInterval, loginPollInterval time.Duration) *Worker {
	w := &Worker{
		ID:                uuid.NewString(),
		client:            client,
		handlers:          handlers,
		pollInterval:      pollInterval,
		idlePollInterval:  idlePollInterval,
		loginPollInterval: loginPollInterval,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	w.log = slog.Default().With(
		slog.String("queue", client.QueueName()),
		slog.String("client_id", w.ID),
	)
	return w
}

// QueueName returns the queue this worker polls.
func (w *Worker) QueueName() string { return w.client.QueueName() }

// Processing reports whether a submission is currently being handled.
func (w *Worker) Processing() bool { return w.processing.Load() }

// Running reports whether the polling loop is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Done is closed when the polling loop has fully exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Shutdown requests the loop to stop after the current iteration and
// closes the HTTP session. Idempotent, and safe to call before Run.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stop)
		w.client.Close()
	})
}

// Run executes the polling loop until Shutdown or context cancellation.
// It never returns a transport error; only a canceled context ends it
// from the outside.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	if w.stopped.Load() {
		return
	}
	w.running.Store(true)
	defer w.running.Store(false)
	observability.WorkersAlive.Inc()
	defer observability.WorkersAlive.Dec()

	if !w.login(ctx) {
		return
	}

	emptyPolls := 0
	for !w.stopped.Load() && ctx.Err() == nil {
		if w.processOne(ctx) {
			emptyPolls = 0
			continue
		}
		emptyPolls++
		interval := w.pollInterval
		if w.idlePollInterval > 0 && emptyPolls >= emptyPollsBeforeIdle {
			interval = w.idlePollInterval
		}
		if !w.sleep(ctx, interval) {
			return
		}
	}
}

// login authenticates, retrying at the login poll interval until success
// or shutdown. It never gives up silently.
func (w *Worker) login(ctx context.Context) bool {
	attempts := 0
	policy := backoff.WithContext(backoff.NewConstantBackOff(w.loginPollInterval), ctx)
	err := backoff.Retry(func() error {
		if w.stopped.Load() {
			return backoff.Permanent(errors.New("shutdown during login"))
		}
		attempts++
		if err := w.client.Login(ctx); err != nil {
			observability.LoginFailuresTotal.WithLabelValues(w.QueueName()).Inc()
			w.log.Error("could not log in, retrying",
				slog.Int("attempts", attempts), slog.Any("error", err))
			return err
		}
		return nil
	}, policy)
	return err == nil
}

// processOne performs one fetch-dispatch-reply cycle. It reports true
// when the loop should continue without sleeping: either a submission was
// handled or the request merely timed out (no work this tick).
func (w *Worker) processOne(ctx context.Context) bool {
	sub, ok, err := w.client.GetSubmission(ctx)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			observability.QueuePollsTotal.WithLabelValues(w.QueueName(), "timeout").Inc()
			return true
		}
		observability.QueuePollsTotal.WithLabelValues(w.QueueName(), "error").Inc()
		return false
	}
	if !ok {
		observability.QueuePollsTotal.WithLabelValues(w.QueueName(), "empty").Inc()
		return false
	}
	observability.QueuePollsTotal.WithLabelValues(w.QueueName(), "submission").Inc()

	w.processing.Store(true)
	defer w.processing.Store(false)
	return w.handleSubmission(ctx, sub)
}

// handleSubmission runs the handler chain and posts each non-nil reply,
// echoing the header verbatim. At most one put_result happens per handler
// per fetch; handler panics or errors are logged and the loop continues.
func (w *Worker) handleSubmission(ctx context.Context, sub domain.Submission) (allOK bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panicked", slog.Any("panic", r))
			allOK = true
		}
	}()

	observability.SubmissionsProcessedTotal.WithLabelValues(w.QueueName()).Inc()
	allOK = true
	for _, h := range w.handlers {
		reply, err := h.Handle(ctx, sub)
		if err != nil {
			w.log.Error("handler failed", slog.Any("error", err))
			continue
		}
		if reply == nil {
			continue
		}
		if err := w.client.PutResult(ctx, sub.Header, reply); err != nil {
			observability.RepliesPostedTotal.WithLabelValues(w.QueueName(), "error").Inc()
			w.log.Error("posting reply failed", slog.Any("error", err))
			allOK = false
			continue
		}
		observability.RepliesPostedTotal.WithLabelValues(w.QueueName(), "ok").Inc()
	}
	return allOK
}

// sleep waits for d unless shutdown or cancellation interrupts it.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
