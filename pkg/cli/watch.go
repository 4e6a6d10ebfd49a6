package cli

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devicelab-dev/pagecheck/pkg/flow"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// rerunDelay coalesces the burst of events one save produces.
const rerunDelay = 300 * time.Millisecond

// watchAndRun runs once, then again whenever a test document under
// cfg.Paths changes, until ctx is cancelled.
func watchAndRun(ctx context.Context, cfg *RunConfig, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range watchDirs(cfg.Paths) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	runOnce := func() {
		if _, err := executeRun(ctx, cfg, out); err != nil {
			fmt.Fprintf(out, "%s✗%s %v\n", color(colorRed), color(colorReset), err)
		}
		fmt.Fprintf(out, "%sWatching for changes (Ctrl+C to stop)...%s\n", color(colorGray), color(colorReset))
	}
	runOnce()

	timer := time.NewTimer(rerunDelay)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				// New subdirectories are not watched automatically.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && watched(cfg.Paths, ev.Name) {
					_ = watcher.Add(ev.Name)
				}
			}
			if ev.Has(fsnotify.Chmod) || !flow.IsDocument(ev.Name) || !watched(cfg.Paths, ev.Name) {
				continue
			}
			logger.Debug("change detected: %s", ev)
			timer.Reset(rerunDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error: %v", err)
		case <-timer.C:
			fmt.Fprintf(out, "\n%sChange detected, re-running...%s\n", color(colorCyan), color(colorReset))
			runOnce()
		}
	}
}

// watchDirs returns every directory to watch: each directory path with its
// subdirectories, and the parent of each file path. Parents are watched
// instead of files so editors that replace files on save keep working.
func watchDirs(paths []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(d string) {
		d = filepath.Clean(d)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			add(filepath.Dir(p))
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if path != p && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			add(path)
			return nil
		})
	}
	return dirs
}

// watched reports whether name is one of paths or lies under one of them.
func watched(paths []string, name string) bool {
	name = filepath.Clean(name)
	for _, p := range paths {
		p = filepath.Clean(p)
		if p == "." && !filepath.IsAbs(name) && !strings.HasPrefix(name, "..") {
			return true
		}
		if name == p || strings.HasPrefix(name, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
