package engine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskmirror/domain"
	"taskmirror/remote"
)

// fakeStore implements Store in memory. Behavior is overridable per call via
// the fn fields; every write is recorded so tests can assert on the exact
// remote traffic. Feed handlers are captured so tests can emit change events.
type fakeStore struct {
	mu sync.Mutex

	initialLists []domain.List
	initialTasks []domain.Task

	insertListFn func(l domain.List) error
	updateListFn func(id string, p domain.ListPatch) error
	deleteListFn func(id string) error
	insertTaskFn func(t domain.Task) error
	updateTaskFn func(id string, p domain.TaskPatch) error

	insertedLists []domain.List
	insertedTasks []domain.Task
	listUpdates   []recordedListUpdate
	taskUpdates   []recordedTaskUpdate
	deletedLists  []string

	handlers map[string]func(remote.ChangeEvent)
}

type recordedListUpdate struct {
	ID    string
	Patch domain.ListPatch
}

type recordedTaskUpdate struct {
	ID    string
	Patch domain.TaskPatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{handlers: make(map[string]func(remote.ChangeEvent))}
}

func (s *fakeStore) Lists(ctx context.Context, ownerID string) ([]domain.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.List(nil), s.initialLists...), nil
}

func (s *fakeStore) Tasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.initialTasks...), nil
}

func (s *fakeStore) InsertList(ctx context.Context, l domain.List) error {
	s.mu.Lock()
	fn := s.insertListFn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(l); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.insertedLists = append(s.insertedLists, l)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) UpdateList(ctx context.Context, ownerID, id string, p domain.ListPatch) error {
	s.mu.Lock()
	fn := s.updateListFn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(id, p); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.listUpdates = append(s.listUpdates, recordedListUpdate{ID: id, Patch: p})
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) DeleteList(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	fn := s.deleteListFn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.deletedLists = append(s.deletedLists, id)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) InsertTask(ctx context.Context, t domain.Task) error {
	s.mu.Lock()
	fn := s.insertTaskFn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(t); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.insertedTasks = append(s.insertedTasks, t)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, ownerID, id string, p domain.TaskPatch) error {
	s.mu.Lock()
	fn := s.updateTaskFn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(id, p); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.taskUpdates = append(s.taskUpdates, recordedTaskUpdate{ID: id, Patch: p})
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Subscribe(ctx context.Context, ownerID, table string, handler func(remote.ChangeEvent)) (func(), error) {
	s.mu.Lock()
	s.handlers[table] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, table)
		s.mu.Unlock()
	}, nil
}

// emit delivers a change event the way the feed would.
func (s *fakeStore) emit(t *testing.T, table, eventType string, record any) {
	t.Helper()
	raw, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal feed record: %v", err)
	}
	ev := remote.ChangeEvent{Type: eventType, Table: table}
	if eventType == remote.EventDelete {
		ev.Old = raw
	} else {
		ev.New = raw
	}
	s.mu.Lock()
	handler := s.handlers[table]
	s.mu.Unlock()
	if handler == nil {
		t.Fatalf("no feed subscription for table %q", table)
	}
	handler(ev)
}

func (s *fakeStore) emitRaw(t *testing.T, table string, ev remote.ChangeEvent) {
	t.Helper()
	s.mu.Lock()
	handler := s.handlers[table]
	s.mu.Unlock()
	if handler == nil {
		t.Fatalf("no feed subscription for table %q", table)
	}
	handler(ev)
}

func (s *fakeStore) recordedTaskUpdates() []recordedTaskUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedTaskUpdate(nil), s.taskUpdates...)
}

func (s *fakeStore) recordedTaskInserts() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.insertedTasks...)
}

func (s *fakeStore) recordedListInserts() []domain.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.List(nil), s.insertedLists...)
}

// fakeObjects implements Objects in memory.
type fakeObjects struct {
	mu       sync.Mutex
	uploadFn func(path string) error
	uploaded map[string][]byte
	removed  []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploaded: make(map[string][]byte)}
}

func (o *fakeObjects) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	o.mu.Lock()
	fn := o.uploadFn
	o.mu.Unlock()
	if fn != nil {
		if err := fn(path); err != nil {
			return "", err
		}
	}
	o.mu.Lock()
	o.uploaded[path] = data
	o.mu.Unlock()
	return "https://files.test/objects/" + path, nil
}

func (o *fakeObjects) Remove(ctx context.Context, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.uploaded, path)
	o.removed = append(o.removed, path)
	return nil
}

func (o *fakeObjects) removedPaths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.removed...)
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(t *testing.T, store *fakeStore, objects *fakeObjects) *Engine {
	t.Helper()
	if objects == nil {
		objects = newFakeObjects()
	}
	e := New(Config{OwnerID: "owner", Store: store, Objects: objects, Logger: quietLogger()})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func mustView(t *testing.T, e *Engine) View {
	t.Helper()
	v, err := e.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return v
}

// waitFor polls until the condition holds. Used for effects that happen on
// the remote-write goroutines, which the engine never waits on itself.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitNotice consumes the event stream until a notice arrives. By the time a
// notice is published the rollback has already been applied, so a View call
// after this observes the restored state.
func waitNotice(t *testing.T, events <-chan Event) Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before notice")
			}
			if ev.Notice != nil {
				return *ev.Notice
			}
		case <-deadline:
			t.Fatal("timed out waiting for notice")
		}
	}
}
