// Package engine wires the index together: configuration, cold start from
// the snapshot cache or a full walk, the live watcher, the merge consumer
// and periodic persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	assert "github.com/ZanzyTHEbar/assert-lib"
	"github.com/rs/zerolog"

	internal "github.com/ZanzyTHEbar/fsindex/fsindex"
	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
	"github.com/ZanzyTHEbar/fsindex/fsindex/config"
	"github.com/ZanzyTHEbar/fsindex/fsindex/fsevent"
	"github.com/ZanzyTHEbar/fsindex/fsindex/merge"
	"github.com/ZanzyTHEbar/fsindex/fsindex/persist"
	"github.com/ZanzyTHEbar/fsindex/fsindex/walker"
)

// Engine is the top-level handle over a watched, searchable index.
type Engine struct {
	cfg    config.FSIndexConfig
	logger zerolog.Logger
	source fsevent.Source

	consumer *merge.Consumer
	watcher  *fsevent.Watcher
	cache    *persist.Cache

	cancel    context.CancelFunc
	runErr    chan error
	saveMu    sync.Mutex
	lastSave  time.Time
	closeOnce sync.Once
	closeErr  error
}

// New assembles an engine from configuration. Nothing touches the
// filesystem until Start.
func New(cfg *config.Config) (*Engine, error) {
	fc := cfg.FSIndex
	if fc.WatchRoot == "" {
		return nil, errors.New("watch root must be configured")
	}

	ign, err := ignoreMatcherFor(fc.IgnoreFile)
	if err != nil {
		return nil, err
	}

	runner := &walker.Runner{
		Root:       fc.WatchRoot,
		Ignore:     ign,
		MaxWorkers: fc.Walker.MaxWorkers,
	}
	classifier := fsevent.NewClassifier(
		fsevent.ParseUnknownFlagPolicy(fc.Classifier.UnknownFlagPolicy))
	assertHandler := assert.NewAssertHandler()

	e := &Engine{
		cfg:    fc,
		logger: internal.GetLogger(),
		source: fsevent.NewFSNotifySource(),
		cache:  persist.New(fc.CachePath),
		runErr: make(chan error, 1),
	}
	e.consumer, err = e.coldStart(fc, runner, classifier, assertHandler)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func ignoreMatcherFor(path string) (walker.IgnoreMatcher, error) {
	if path == "" {
		return nil, nil
	}
	return walker.CompileIgnoreFile(path)
}

// coldStart restores from the snapshot cache when one is present, otherwise
// builds an empty consumer for bootstrap. A cache that exists but fails to
// load is an error: a damaged snapshot must never masquerade as an empty
// index.
func (e *Engine) coldStart(fc config.FSIndexConfig, runner merge.Walker, cls *fsevent.Classifier, handler *assert.AssertHandler) (*merge.Consumer, error) {
	if !e.cache.Exists() {
		return merge.NewConsumer(fc.WatchRoot, runner, cls, handler), nil
	}

	payload, err := e.cache.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot cache: %w", err)
	}
	if payload.Root != fc.WatchRoot {
		return nil, fmt.Errorf("snapshot cache is for root %s, configured root is %s", payload.Root, fc.WatchRoot)
	}
	pool, a, names, err := persist.Restore(payload)
	if err != nil {
		return nil, err
	}
	c, err := merge.NewConsumerFromState(
		fc.WatchRoot, pool, a, names, payload.LastEventID,
		runner, cls, handler)
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("root", fc.WatchRoot).
		Str("snapshot_id", payload.SnapshotID.String()).
		Int("records", c.Len()).
		Msg("index restored from snapshot")
	return c, nil
}

// Start populates the index when it is empty and brings up the live event
// pipeline.
func (e *Engine) Start(ctx context.Context) error {
	if e.consumer.Len() == 0 {
		if err := e.consumer.Bootstrap(ctx); err != nil {
			return err
		}
	}

	if e.cfg.WatchEnabled {
		latency := time.Duration(e.cfg.LatencySeconds * float64(time.Second))
		since := e.cfg.SinceEventID
		if seen := e.consumer.LastSeenEventID(); seen > since {
			since = seen
		}
		w, err := fsevent.Spawn(e.source, e.cfg.WatchRoot, since, latency)
		if err != nil {
			return err
		}
		e.watcher = w
	} else {
		e.watcher = fsevent.Noop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.consumer.OnIdle = e.maybeSnapshot
	go func() {
		e.runErr <- e.consumer.Run(runCtx, e.watcher.Events())
	}()

	e.logger.Info().
		Str("root", e.cfg.WatchRoot).
		Bool("watching", e.cfg.WatchEnabled).
		Msg("engine started")
	return nil
}

// maybeSnapshot saves at most once per configured interval.
func (e *Engine) maybeSnapshot() {
	interval := time.Duration(e.cfg.SnapshotIntervalMinutes) * time.Minute
	e.saveMu.Lock()
	due := time.Since(e.lastSave) >= interval
	if due {
		e.lastSave = time.Now()
	}
	e.saveMu.Unlock()
	if due {
		if err := e.Snapshot(); err != nil {
			e.logger.Error().Err(err).Msg("periodic snapshot failed")
		}
	}
}

// Snapshot persists the current index state.
func (e *Engine) Snapshot() error {
	arenaSnap, names, lastID := e.consumer.ExportState()
	return e.cache.Save(persist.NewPayload(e.cfg.WatchRoot, lastID, arenaSnap, names))
}

// Close stops the watcher and the consumer and writes a final snapshot.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.watcher != nil {
			e.watcher.Close()
		}
		if e.cancel != nil {
			e.cancel()
			if err := <-e.runErr; err != nil && !errors.Is(err, context.Canceled) {
				e.closeErr = err
			}
		}
		if err := e.Snapshot(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		e.logger.Info().Str("root", e.cfg.WatchRoot).Msg("engine stopped")
	})
	return e.closeErr
}

// Clock builds an event-id clock bound to the watched filesystem's device.
// Only valid after Start.
func (e *Engine) Clock(oracle fsevent.Oracle) (*fsevent.Clock, error) {
	return fsevent.NewClock(e.watcher.Device(), oracle)
}

// SearchSubstring finds indexed names containing needle.
func (e *Engine) SearchSubstring(needle string) []merge.Hit {
	return e.consumer.SearchSubstring(needle)
}

// SearchPrefix finds indexed names starting with prefix.
func (e *Engine) SearchPrefix(prefix string) []merge.Hit {
	return e.consumer.SearchPrefix(prefix)
}

// SearchSuffix finds indexed names ending with suffix.
func (e *Engine) SearchSuffix(suffix string) []merge.Hit {
	return e.consumer.SearchSuffix(suffix)
}

// SearchExact finds the indexed name equal to name.
func (e *Engine) SearchExact(name string) []merge.Hit {
	return e.consumer.SearchExact(name)
}

// Lookup returns the live records named exactly name.
func (e *Engine) Lookup(name string) []arena.NodeIndex {
	return e.consumer.Lookup(name)
}

// Get copies out the record behind idx.
func (e *Engine) Get(idx arena.NodeIndex) (arena.NodeRecord, bool) {
	return e.consumer.Get(idx)
}

// Len returns the number of live records.
func (e *Engine) Len() int {
	return e.consumer.Len()
}
