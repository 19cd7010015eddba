package monitor

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"connwatch/internal/domain"
)

const watchDebounce = 500 * time.Millisecond

// WatchReplay re-parses a replay file whenever it changes, handing each
// result to sink. The containing directory is watched rather than the file
// itself, which handles editors that replace the file on save. Blocks until
// the context is cancelled.
func (m *Monitor) WatchReplay(ctx context.Context, path string, sink func([]domain.EnrichedConnection)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	// Initial parse before the first change arrives.
	if conns, err := m.ReplayFile(ctx, abs); err != nil {
		m.logger.Warn().Err(err).Str("path", abs).Msg("Replay parse failed")
	} else {
		sink(conns)
	}

	m.logger.Info().Str("path", abs).Msg("Watching replay file for changes")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reparse := make(chan struct{}, 1)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(abs) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case reparse <- struct{}{}:
					default:
					}
				})
			}

		case <-reparse:
			if conns, err := m.ReplayFile(ctx, abs); err != nil {
				m.logger.Warn().Err(err).Str("path", abs).Msg("Replay parse failed")
			} else {
				sink(conns)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn().Err(err).Msg("Watcher error")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
