// Package hooks runs post-upload work such as usage tracking and read-path
// warming. Hooks fire only after the catalog already owns the file record, so
// every hook is strictly best-effort: a hook failure is logged and never
// surfaces to the upload caller.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Event describes one completed upload.
type Event struct {
	UploadID        string
	UserID          string
	FileName        string
	StorageFileName string
	// Path is the remote path of the finalized object.
	Path     string
	MimeType string
	Size     int64
	FolderID string
	NodeID   string
	// Took is the wall-clock duration of the whole upload.
	Took time.Duration
}

// Hook is one unit of post-upload work.
type Hook interface {
	Name() string
	Run(ctx context.Context, event Event) error
}

// Config holds dispatcher limits.
type Config struct {
	// Concurrency caps how many hooks run at once across all events.
	// Default: 2
	Concurrency int

	// HookTimeout bounds a single hook run.
	// Default: 2 minutes
	HookTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		HookTimeout: 2 * time.Minute,
	}
}

// Dispatcher fans events out to the registered hooks with bounded
// concurrency. Each hook run is isolated: errors and panics are logged
// as warnings and never propagate.
type Dispatcher struct {
	hooks     []Hook
	config    Config
	logger    log.Logger
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over the given hooks.
func NewDispatcher(hooks []Hook, config Config, logger log.Logger) *Dispatcher {
	if config.Concurrency < 1 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if config.HookTimeout <= 0 {
		config.HookTimeout = DefaultConfig().HookTimeout
	}

	return &Dispatcher{
		hooks:     hooks,
		config:    config,
		logger:    logger,
		semaphore: make(chan struct{}, config.Concurrency),
	}
}

// Dispatch hands event to every hook and returns without waiting for them.
// Call Wait to drain in-flight hooks before shutdown.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	for _, hook := range d.hooks {
		d.wg.Add(1)
		go func(hook Hook) {
			defer d.wg.Done()

			d.semaphore <- struct{}{}
			defer func() { <-d.semaphore }()

			d.run(ctx, hook, event)
		}(hook)
	}
}

// Wait blocks until every dispatched hook has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, hook Hook, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warnf("Hook %s panicked for %s: %v", hook.Name(), event.FileName, r)
		}
	}()

	hookCtx, cancel := context.WithTimeout(ctx, d.config.HookTimeout)
	defer cancel()

	start := time.Now()
	if err := hook.Run(hookCtx, event); err != nil {
		d.logger.Warnf("Hook %s failed for %s: %s", hook.Name(), event.FileName, err)
		return
	}
	d.logger.Debugf("Hook %s finished for %s in %v", hook.Name(), event.FileName, time.Since(start).Round(time.Millisecond))
}
