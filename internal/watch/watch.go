// Package watch follows a Monte Carlo output directory and reports each
// trial once all of its files are in place.
package watch

import (
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sfmprecision/internal/fsutil"
)

// completionSuffix is the last artifact a trial writes.
const completionSuffix = "_pts.ply"

// TrialEvent reports a completed trial.
type TrialEvent struct {
	Stem  string    `json:"stem"`
	Trial int       `json:"trial"`
	Files []string  `json:"files"`
	Time  time.Time `json:"time"`
}

// Watcher monitors a trial directory for completed trials. Trials already
// present when Start is called are reported first, in order.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	log     *slog.Logger
	Events  chan TrialEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a watcher for dir.
func New(dir string, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		watcher: w,
		dir:     dir,
		log:     log,
		Events:  make(chan TrialEvent, 100),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching trial directory", "dir", w.dir)
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends monitoring and closes Events.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.Events)
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	seen := make(map[string]bool)

	stems, groups, err := fsutil.ListTrialFiles(w.dir)
	if err != nil {
		w.log.Warn("listing existing trials failed", "dir", w.dir, "error", err)
	}
	for _, stem := range stems {
		if complete(groups[stem]) && !w.emit(seen, stem, groups[stem]) {
			return
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			stem, suffix, ok := fsutil.TrialStem(event.Name)
			if !ok || suffix != completionSuffix || seen[stem] {
				continue
			}
			_, groups, err := fsutil.ListTrialFiles(w.dir)
			if err != nil {
				w.log.Warn("listing trial files failed", "dir", w.dir, "error", err)
				continue
			}
			if !w.emit(seen, stem, groups[stem]) {
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("trial watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// emit delivers an event, reporting false once the watcher is stopping.
func (w *Watcher) emit(seen map[string]bool, stem string, files []string) bool {
	seen[stem] = true
	ev := TrialEvent{Stem: stem, Trial: trialIndex(stem), Files: files, Time: time.Now()}
	select {
	case w.Events <- ev:
		return true
	case <-w.done:
		return false
	}
}

func complete(files []string) bool {
	for _, f := range files {
		if strings.HasSuffix(filepath.Base(f), completionSuffix) {
			return true
		}
	}
	return false
}

func trialIndex(stem string) int {
	head, _, _ := strings.Cut(stem, "_")
	n, _ := strconv.Atoi(head)
	return n
}
