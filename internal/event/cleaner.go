package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs registered shutdown callbacks in reverse registration order,
// each with its own timeout, and shuts the logger down last.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
	ctx            context.Context
}

var cleanerInstance = &Cleaner{timeout: 10 * time.Second}

func NewCleaner() *Cleaner {
	return cleanerInstance
}

// NewCleanerWithTimeout returns an independent cleaner, used by tests.
func NewCleanerWithTimeout(timeout time.Duration) *Cleaner {
	return &Cleaner{timeout: timeout}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init installs the SIGINT/SIGTERM handler. The returned context is cancelled
// when a signal arrives.
func (c *Cleaner) Init(loggerShutdown Callable) context.Context {
	c.initOnce.Do(func() {
		c.loggerShutdown = loggerShutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		c.ctx = ctx
		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")
		}()
	})
	return c.ctx
}

// Clean runs every registered cleaner once.
func (c *Cleaner) Clean() {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			callable := cleanersCopy[i]
			func() {
				logger.DebugF("Invoking cleaner #%d (%T)", i+1, callable)
				timeoutCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				if err := callable.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", i+1, callable, err)
					errs = append(errs, err)
				}
			}()
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if c.loggerShutdown == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	})
}
