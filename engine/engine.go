// Package engine keeps a per-owner in-memory projection of the remote lists
// and tasks tables and reconciles two sources of change against it: local
// mutations, applied optimistically before the remote write settles, and the
// realtime change feed, merged record by record as it arrives. A single
// goroutine owns the projection; every read and write funnels through it, so
// the projection needs no locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskmirror/domain"
	"taskmirror/remote"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("engine closed")

const defaultListName = "Inbox"

// Timeout for a single remote row write issued from the mutation pipeline.
const writeTimeout = 10 * time.Second

// Store is the slice of the remote row store the engine depends on.
type Store interface {
	Lists(ctx context.Context, ownerID string) ([]domain.List, error)
	Tasks(ctx context.Context, ownerID string) ([]domain.Task, error)
	InsertList(ctx context.Context, l domain.List) error
	UpdateList(ctx context.Context, ownerID, id string, p domain.ListPatch) error
	DeleteList(ctx context.Context, ownerID, id string) error
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, ownerID, id string, p domain.TaskPatch) error
	Subscribe(ctx context.Context, ownerID, table string, handler func(remote.ChangeEvent)) (func(), error)
}

// Objects is the slice of the remote object store the engine depends on.
type Objects interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Remove(ctx context.Context, path string) error
}

// Notice reports a remote rejection of an optimistic mutation. By the time a
// notice is published the local projection has already been rolled back.
type Notice struct {
	Op      string      `json:"op"`
	Message string      `json:"message"`
	At      domain.Time `json:"at"`
}

// Event is one item on the engine's outbound stream: a fresh view snapshot
// after a projection change, or a notice after a rollback.
type Event struct {
	View   *View   `json:"view,omitempty"`
	Notice *Notice `json:"notice,omitempty"`
}

// View is a consistent snapshot of the projection: every list, the selected
// list id, the active tasks of the selected list in display order, and the
// open detail working copy when there is one.
type View struct {
	Lists          []domain.List `json:"lists"`
	SelectedListID string        `json:"selected_list_id"`
	Tasks          []domain.Task `json:"tasks"`
	Detail         *DetailView   `json:"detail,omitempty"`
}

// Config carries the collaborators for one owner's engine.
type Config struct {
	OwnerID string
	Store   Store
	Objects Objects
	Logger  *log.Logger
	// DefaultListName is the name of the list created on first start when
	// the owner has none. Empty means "Inbox".
	DefaultListName string
}

// Engine reconciles one owner's projection. Create with New, then Start.
type Engine struct {
	ownerID     string
	store       Store
	objects     Objects
	logger      *log.Logger
	defaultList string

	calls chan func()
	quit  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	stops     []func()

	// Owned by the loop goroutine after Start.
	proj   projection
	detail *detail

	events *broker
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.DefaultListName == "" {
		cfg.DefaultListName = defaultListName
	}
	return &Engine{
		ownerID:     cfg.OwnerID,
		store:       cfg.Store,
		objects:     cfg.Objects,
		logger:      cfg.Logger,
		defaultList: cfg.DefaultListName,
		calls:       make(chan func(), 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		proj:        newProjection(),
		events:      newBroker(),
	}
}

// Start loads the owner's rows, creating the default list when the owner has
// none, selects the first list, subscribes to both change feeds and launches
// the loop goroutine.
func (e *Engine) Start(ctx context.Context) error {
	lists, err := e.store.Lists(ctx, e.ownerID)
	if err != nil {
		return fmt.Errorf("load lists: %w", err)
	}
	if len(lists) == 0 {
		l := domain.List{ID: domain.NewID(), OwnerID: e.ownerID, Name: e.defaultList, CreatedAt: domain.Now()}
		if err := e.store.InsertList(ctx, l); err != nil {
			return fmt.Errorf("create default list: %w", err)
		}
		lists = append(lists, l)
	}
	for _, l := range lists {
		e.proj.lists[l.ID] = l
	}
	e.proj.selected = e.proj.firstListID()

	tasks, err := e.store.Tasks(ctx, e.ownerID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		e.proj.tasks[t.ID] = t
	}

	stopLists, err := e.store.Subscribe(ctx, e.ownerID, remote.TableLists, func(ev remote.ChangeEvent) {
		e.post(func() { e.applyListEvent(ev) })
	})
	if err != nil {
		return fmt.Errorf("subscribe lists feed: %w", err)
	}
	stopTasks, err := e.store.Subscribe(ctx, e.ownerID, remote.TableTasks, func(ev remote.ChangeEvent) {
		e.post(func() { e.applyTaskEvent(ev) })
	})
	if err != nil {
		stopLists()
		return fmt.Errorf("subscribe tasks feed: %w", err)
	}
	e.stops = []func(){stopLists, stopTasks}

	go e.run()
	return nil
}

// Close stops the loop, unsubscribes from the change feeds and drops every
// stream subscriber. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
		<-e.done
		for _, stop := range e.stops {
			stop()
		}
		e.events.close()
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.calls:
			fn()
		case <-e.quit:
			return
		}
	}
}

// do submits fn to the loop goroutine and waits for its result.
func (e *Engine) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.calls <- func() { errc <- fn() }:
	case <-e.quit:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-e.quit:
		return ErrClosed
	}
}

// post submits fn to the loop goroutine without waiting. Used by feed
// handlers and by remote-write goroutines re-entering with their outcome.
func (e *Engine) post(fn func()) {
	select {
	case e.calls <- fn:
	case <-e.quit:
	}
}

// Subscribe returns the engine's outbound event stream. The returned stop
// function cancels the subscription; after it returns no further events are
// delivered. Slow subscribers lose events rather than stall the loop.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// View returns a consistent snapshot of the projection.
func (e *Engine) View() (View, error) {
	var v View
	err := e.do(func() error {
		v = e.snapshotView()
		return nil
	})
	return v, err
}

// snapshotView recomputes the derived views from scratch. Runs on the loop
// goroutine.
func (e *Engine) snapshotView() View {
	v := View{
		Lists:          e.proj.sortedLists(),
		SelectedListID: e.proj.selected,
		Tasks:          e.proj.activeTasks(e.proj.selected),
	}
	if e.detail != nil {
		dv := e.detailView()
		v.Detail = &dv
	}
	return v
}

// publishView pushes a fresh snapshot to stream subscribers. Runs on the
// loop goroutine after every projection change.
func (e *Engine) publishView() {
	v := e.snapshotView()
	e.events.publish(Event{View: &v})
}

// notify publishes a rollback notice. Runs on the loop goroutine.
func (e *Engine) notify(op string, err error) {
	e.logger.WithFields(log.Fields{"owner": e.ownerID, "op": op}).Warnf("remote write rejected: %v", err)
	e.events.publish(Event{Notice: &Notice{Op: op, Message: err.Error(), At: domain.Now()}})
}

// commit runs a remote write off the loop goroutine. On failure it re-enters
// the loop, rolls the optimistic change back and publishes a notice. Must be
// called from the loop goroutine; rollback runs on it too.
func (e *Engine) commit(op string, write func(context.Context) error, rollback func()) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		err := write(ctx)
		if err == nil {
			return
		}
		e.post(func() {
			rollback()
			e.notify(op, err)
			e.publishView()
		})
	}()
}
