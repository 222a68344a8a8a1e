// Package worker runs asynq servers for queued pipeline jobs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/queue"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	Queue       queue.Config
	Concurrency int
	RetryDelay  time.Duration
	Queues      map[string]int
}

type BaseWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger logger.Logger
}

func newBaseWorker(cfg *Config, log logger.Logger) BaseWorker {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = queue.Queues
	}
	delay := cfg.RetryDelay
	server := asynq.NewServer(
		queue.RedisOpt(cfg.Queue),
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				if delay <= 0 {
					return asynq.DefaultRetryDelayFunc(n, err, task)
				}
				return time.Duration(n+1) * delay
			},
			Logger: asynqLogger{log},
		},
	)
	return BaseWorker{server: server, mux: asynq.NewServeMux(), logger: log}
}

// Start runs the server in the background until ctx is done.
func (w *BaseWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

func (w *BaseWorker) Stop() error {
	w.server.Shutdown()
	return nil
}

// asynqLogger routes asynq's own logs through the pipeline logger.
type asynqLogger struct {
	log logger.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(sprint(args)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(sprint(args)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(sprint(args)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(sprint(args)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal(sprint(args)) }

func sprint(args []interface{}) string {
	return fmt.Sprint(args...)
}
