package trash

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const defaultMaxAttempts = 5

// Deleter removes every object under a prefix.
type Deleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Worker drains a Broker, deleting each job's path.
type Worker struct {
	broker      Broker
	files       Deleter
	logger      *slog.Logger
	concurrency int
	maxAttempts int
	backoff     time.Duration
}

// NewWorker constructs a worker running concurrency consumers.
func NewWorker(broker Broker, files Deleter, logger *slog.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		broker:      broker,
		files:       files,
		logger:      logger,
		concurrency: concurrency,
		maxAttempts: defaultMaxAttempts,
		backoff:     time.Second,
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		delivery, err := w.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Warn("trash receive failed", "error", err)
			select {
			case <-time.After(w.backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		w.Process(ctx, delivery)
	}
}

// Process handles a single delivery.
func (w *Worker) Process(ctx context.Context, delivery Delivery) {
	job := delivery.Job
	deleted, err := w.files.DeletePrefix(ctx, job.Path)
	if err != nil {
		if job.Attempts+1 >= w.maxAttempts {
			w.logger.Error("trash job abandoned", "path", job.Path, "reason", job.Reason, "attempts", job.Attempts+1, "error", err)
			if ackErr := delivery.Ack(ctx); ackErr != nil {
				w.logger.Warn("trash ack failed", "path", job.Path, "error", ackErr)
			}
			return
		}
		w.logger.Warn("trash job failed", "path", job.Path, "reason", job.Reason, "error", err)
		// back off linearly before handing the job back; shutdown skips the
		// wait but still requeues.
		select {
		case <-time.After(w.backoff * time.Duration(job.Attempts+1)):
		case <-ctx.Done():
		}
		if retryErr := delivery.Retry(context.WithoutCancel(ctx)); retryErr != nil {
			w.logger.Warn("trash retry failed", "path", job.Path, "error", retryErr)
		}
		return
	}
	w.logger.Info("trash job completed", "path", job.Path, "reason", job.Reason, "objects", deleted)
	if err := delivery.Ack(ctx); err != nil {
		w.logger.Warn("trash ack failed", "path", job.Path, "error", err)
	}
}
