// Package trigger runs the pipeline's periodic tasks in process on cron specs,
// standing in for an external scheduler calling the cron endpoints.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task is one periodic invocation.
type Task struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Runner owns a cron instance. A task still running when its next tick fires
// skips that tick.
type Runner struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New creates a Runner. Specs use the standard five-field cron format.
func New(logger *zap.Logger, opts ...cron.Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("trigger")
	cl := cronLogger{logger: logger.Sugar()}
	base := []cron.Option{
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	}
	return &Runner{
		cron:    cron.New(append(base, opts...)...),
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a task. Tasks with an empty spec are ignored.
func (r *Runner) Add(task Task) error {
	if task.Spec == "" {
		r.logger.Info("task disabled", zap.String("task", task.Name))
		return nil
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no run func", task.Name)
	}
	entryID, err := r.cron.AddFunc(task.Spec, func() { r.execute(task) })
	if err != nil {
		return fmt.Errorf("register task %q with spec %q: %w", task.Name, task.Spec, err)
	}
	r.mu.Lock()
	r.entries[task.Name] = entryID
	r.mu.Unlock()
	r.logger.Info("task registered", zap.String("task", task.Name), zap.String("spec", task.Spec))
	return nil
}

// Next returns the next scheduled run of a task.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	entryID, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(entryID).Next, true
}

// Run starts the schedule and blocks until ctx is done, then waits for
// running tasks to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("trigger started", zap.Int("tasks", len(r.cron.Entries())))
	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("trigger stopped")
	return nil
}

func (r *Runner) execute(task Task) {
	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()
	if parent.Err() != nil {
		return
	}

	ctx := parent
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
		defer cancel()
	}
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		r.logger.Error("task failed", zap.String("task", task.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	r.logger.Debug("task finished", zap.String("task", task.Name), zap.Duration("duration", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
