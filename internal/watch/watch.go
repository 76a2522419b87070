// Package watch delivers best-effort change notification for project
// state: filesystem observation through fsnotify plus synchronous
// in-process fan-out for mutators that know precise before/after values.
// Delivery is at-most-once with no replay; a misbehaving subscriber never
// breaks the mutation path.
package watch

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stateline/internal/domain"
	"stateline/internal/filestore"
)

// debounceDelay coalesces rapid file-change bursts into one re-read.
const debounceDelay = 100 * time.Millisecond

// StateReader re-reads the current value of a section when the filesystem
// signals a change.
type StateReader func(ctx context.Context, section domain.Section, projectID string) (any, error)

// Callback receives change events. Panics are swallowed and logged.
type Callback func(domain.ChangeEvent)

// Notifier tracks subscriptions and underlying filesystem observers.
type Notifier struct {
	files  *filestore.Store
	read   StateReader
	logger *log.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// Subscription is the scoped handle returned by Watch. Unsubscribe closes
// the underlying observer; it is safe to call more than once.
type Subscription struct {
	id       int
	project  string
	section  *domain.Section
	callback Callback
	notifier *Notifier
	watcher  *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once
}

// Unsubscribe removes the subscription and closes its observer.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.notifier.remove(s.id)
	})
}

// New creates a notifier. The reader is injected so this package never
// interprets section files itself.
func New(files *filestore.Store, read StateReader, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{
		files:  files,
		read:   read,
		logger: logger,
		subs:   map[int]*Subscription{},
	}
}

// Watch registers a filesystem observer scoped to one section's directory,
// or to every section of the project when section is nil. On a change the
// current value is re-read and delivered with a nil previous value.
func (n *Notifier) Watch(ctx context.Context, projectID string, cb Callback, section *domain.Section) (*Subscription, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := n.files.EnsureProjectDirs(projectID); err != nil {
		watcher.Close()
		return nil, err
	}
	sections := domain.Sections
	if section != nil {
		sections = []domain.Section{*section}
	}
	for _, sec := range sections {
		if err := watcher.Add(n.files.SectionDir(sec, projectID)); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	sub := &Subscription{
		project:  projectID,
		section:  section,
		callback: cb,
		notifier: n,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		watcher.Close()
		return nil, context.Canceled
	}
	n.nextID++
	sub.id = n.nextID
	n.subs[sub.id] = sub
	n.mu.Unlock()

	go n.run(ctx, sub)
	return sub, nil
}

// run pumps fsnotify events for one subscription, debouncing bursts per
// section and re-delivering the current value.
func (n *Notifier) run(ctx context.Context, sub *Subscription) {
	timers := map[domain.Section]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-sub.done:
			return
		case event, ok := <-sub.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			sec, ok := n.sectionForPath(sub.project, event.Name)
			if !ok {
				continue
			}
			if sub.section != nil && sec != *sub.section {
				continue
			}
			if t := timers[sec]; t != nil {
				t.Stop()
			}
			section := sec
			timers[sec] = time.AfterFunc(debounceDelay, func() {
				n.redeliver(ctx, sub, section)
			})
		case _, ok := <-sub.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// sectionForPath maps a changed file back to its section, ignoring lock
// and temp files.
func (n *Notifier) sectionForPath(projectID, path string) (domain.Section, bool) {
	for _, sec := range domain.Sections {
		if path == n.files.StatePath(sec, projectID) {
			return sec, true
		}
	}
	// Metadata and record files under the progress dir also count as
	// progress-scoped changes.
	if filepath.Dir(path) == n.files.SectionDir(domain.SectionProgress, projectID) &&
		filepath.Ext(path) == ".json" {
		return domain.SectionProgress, true
	}
	return "", false
}

func (n *Notifier) redeliver(ctx context.Context, sub *Subscription, section domain.Section) {
	select {
	case <-sub.done:
		return
	default:
	}
	value, err := n.read(ctx, section, sub.project)
	if err != nil {
		n.logger.Printf("watch: re-read %s state for %s: %v", section, sub.project, err)
		return
	}
	n.deliver(sub, domain.ChangeEvent{
		ProjectID:     sub.project,
		Section:       section,
		PreviousValue: nil,
		NewValue:      value,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		ChangeType:    domain.ChangeUpdate,
	})
}

// Notify synchronously fans a precise before/after event out to matching
// subscribers. Used by in-process mutators, independent of fsnotify.
func (n *Notifier) Notify(projectID string, section domain.Section, previous, next any, changeType string) {
	event := domain.ChangeEvent{
		ProjectID:     projectID,
		Section:       section,
		PreviousValue: previous,
		NewValue:      next,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		ChangeType:    changeType,
	}
	n.mu.Lock()
	matching := make([]*Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		if sub.project != projectID {
			continue
		}
		if sub.section != nil && *sub.section != section {
			continue
		}
		matching = append(matching, sub)
	}
	n.mu.Unlock()
	for _, sub := range matching {
		n.deliver(sub, event)
	}
}

func (n *Notifier) deliver(sub *Subscription, event domain.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Printf("watch: subscriber for %s/%s panicked: %v", event.ProjectID, event.Section, r)
		}
	}()
	sub.callback(event)
}

func (n *Notifier) remove(id int) {
	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
}

// Close unsubscribes everything; leaking observers is a resource defect.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	subs := make([]*Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
