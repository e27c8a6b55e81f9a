package caristo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/zoobzio/capitan"

	"github.com/zoobzio/caristo/collector"
)

// FSNotifier watches a fleet root with fsnotify. Besides the root it watches
// every site directory, every site's current release and the directories
// holding the fragment and environment file, following symbolic links.
//
// fsnotify is not recursive, so the watch set is re-derived from the fleet
// layout by Refresh. A repointed current link is detected by comparing the
// resolved target.
type FSNotifier struct {
	root     string
	patterns []string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]string
}

// NewFSNotifier creates an FSNotifier for the fleet at root using the
// default release layout.
func NewFSNotifier(root string) *FSNotifier {
	n := &FSNotifier{root: filepath.Clean(root)}
	return n.Layout(collector.DefaultLayout)
}

// Layout derives the watch set from a release layout. Must be called before
// Watch.
//
// Every directory between a release and its fragment is watched so that a
// directory created after a refresh always announces itself.
func (n *FSNotifier) Layout(layout collector.Layout) *FSNotifier {
	current := filepath.Join("*", layout.Current)
	set := map[string]struct{}{".": {}, "*": {}}
	for _, file := range []string{layout.Fragment, layout.Env} {
		for dir := filepath.Dir(file); ; dir = filepath.Dir(dir) {
			set[filepath.Join(current, dir)] = struct{}{}
			if dir == "." || dir == string(filepath.Separator) {
				break
			}
		}
	}
	n.patterns = n.patterns[:0]
	for p := range set {
		n.patterns = append(n.patterns, p)
	}
	sort.Strings(n.patterns)
	return n
}

// Watched returns the directories currently watched, sorted.
func (n *FSNotifier) Watched() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	paths := make([]string, 0, len(n.watched))
	for p := range n.watched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Watch begins watching the fleet and returns a channel of change events.
// Attribute-only changes are dropped.
func (n *FSNotifier) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(n.root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch fleet root %s: %w", n.root, err)
	}

	resolved, err := filepath.EvalSymlinks(n.root)
	if err != nil {
		resolved = n.root
	}

	n.mu.Lock()
	n.watcher = watcher
	n.watched = map[string]string{n.root: resolved}
	n.mu.Unlock()

	if err := n.Refresh(); err != nil {
		n.release()
		return nil, err
	}

	out := make(chan Event)

	go func() {
		defer close(out)
		defer n.release()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				e := Event{Path: event.Name, Op: event.Op}
				if e.AttributeOnly() {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Continue watching despite errors
				capitan.Emit(ctx, NotifierError,
					KeyRoot.Field(n.root),
					KeyError.Field(err.Error()),
				)
			}
		}
	}()

	return out, nil
}

// Refresh brings the watch set in line with the fleet on disk. Directories
// that vanished or whose resolved target changed are dropped and re-added.
// Calling Refresh before Watch is a no-op.
func (n *FSNotifier) Refresh() error {
	desired, err := n.scan()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watcher == nil {
		return nil
	}

	for path, resolved := range n.watched {
		if desired[path] == resolved {
			continue
		}
		// Already gone when the directory was removed.
		_ = n.watcher.Remove(path)
		delete(n.watched, path)
	}
	for path, resolved := range desired {
		if _, ok := n.watched[path]; ok {
			continue
		}
		if err := n.watcher.Add(path); err != nil {
			// Raced with a removal; the next refresh catches up.
			continue
		}
		n.watched[path] = resolved
	}
	return nil
}

// scan resolves every watch pattern to existing directories.
func (n *FSNotifier) scan() (map[string]string, error) {
	desired := make(map[string]string)
	for _, pattern := range n.patterns {
		matches, err := filepath.Glob(filepath.Join(n.root, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || !info.IsDir() {
				continue
			}
			resolved, err := filepath.EvalSymlinks(match)
			if err != nil {
				continue
			}
			desired[match] = resolved
		}
	}
	return desired, nil
}

func (n *FSNotifier) release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watcher == nil {
		return
	}
	n.watcher.Close()
	n.watcher = nil
	n.watched = nil
}
