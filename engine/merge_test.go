package engine

import (
	"encoding/json"
	"reflect"
	"testing"

	"taskmirror/domain"
	"taskmirror/remote"
)

func TestMergeInsertIsIdempotent(t *testing.T) {
	store := newFakeStore()
	seedLists(store)
	e := newTestEngine(t, store, nil)

	task := domain.Task{ID: "t1", OwnerID: "owner", ListID: "inbox", Title: "Buy milk", Status: domain.StatusTodo, Priority: 2, OrderKey: 1}
	store.emit(t, remote.TableTasks, remote.EventInsert, task)
	store.emit(t, remote.TableTasks, remote.EventInsert, task)

	v := mustView(t, e)
	if len(v.Tasks) != 1 {
		t.Fatalf("re-delivered insert must not duplicate the task: %#v", v.Tasks)
	}
	if !reflect.DeepEqual(v.Tasks[0], task) {
		t.Fatalf("merged task differs: got %#v, want %#v", v.Tasks[0], task)
	}
}

func TestMergeKeepsViewOrdered(t *testing.T) {
	store := newFakeStore()
	seedLists(store)
	e := newTestEngine(t, store, nil)

	deleted := domain.Now()
	feed := []domain.Task{
		{ID: "t1", OwnerID: "owner", ListID: "inbox", Title: "Low late", Status: domain.StatusTodo, Priority: 3, OrderKey: 5},
		{ID: "t2", OwnerID: "owner", ListID: "inbox", Title: "High", Status: domain.StatusTodo, Priority: 0, OrderKey: 9},
		{ID: "t3", OwnerID: "owner", ListID: "inbox", Title: "Gone", Status: domain.StatusTodo, Priority: 0, OrderKey: 1, DeletedAt: deleted},
		{ID: "t4", OwnerID: "owner", ListID: "inbox", Title: "Low early", Status: domain.StatusTodo, Priority: 3, OrderKey: 2},
		{ID: "t5", OwnerID: "owner", ListID: "work", Title: "Elsewhere", Status: domain.StatusTodo, Priority: 0, OrderKey: 1},
	}
	for _, task := range feed {
		store.emit(t, remote.TableTasks, remote.EventInsert, task)
	}

	v := mustView(t, e)
	var ids []string
	for _, task := range v.Tasks {
		ids = append(ids, task.ID)
	}
	want := []string{"t2", "t4", "t1"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("view order: got %v, want %v", ids, want)
	}
}

func TestMergeUpdateReplacesWholeRecord(t *testing.T) {
	store := newFakeStore()
	seedLists(store)
	store.initialTasks = []domain.Task{
		{ID: "t1", OwnerID: "owner", ListID: "inbox", Title: "Buy milk", Description: "2 liters", Status: domain.StatusTodo, Priority: 3, OrderKey: 1},
	}
	e := newTestEngine(t, store, nil)

	// The feed record carries no description: last delivered wins whole,
	// there is no field-level merge.
	store.emit(t, remote.TableTasks, remote.EventUpdate, domain.Task{
		ID: "t1", OwnerID: "owner", ListID: "inbox", Title: "Buy oat milk", Status: domain.StatusTodo, Priority: 3, OrderKey: 1,
	})

	v := mustView(t, e)
	if v.Tasks[0].Title != "Buy oat milk" || v.Tasks[0].Description != "" {
		t.Fatalf("update must replace the whole record, got %#v", v.Tasks[0])
	}
}

func TestMergeListDeleteFallsBackSelection(t *testing.T) {
	store := newFakeStore()
	inbox, work := seedLists(store)
	e := newTestEngine(t, store, nil)

	if err := e.SelectList(work.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	store.emit(t, remote.TableLists, remote.EventDelete, work)

	v := mustView(t, e)
	if len(v.Lists) != 1 || v.SelectedListID != inbox.ID {
		t.Fatalf("selection should fall back after a remote delete: %#v", v)
	}
}

func TestMergeSoftDeleteClearsOpenDetail(t *testing.T) {
	store := newFakeStore()
	seedLists(store)
	task := domain.Task{ID: "t1", OwnerID: "owner", ListID: "inbox", Title: "Buy milk", Status: domain.StatusTodo, Priority: 3, OrderKey: 1}
	store.initialTasks = []domain.Task{task}
	e := newTestEngine(t, store, nil)

	if _, err := e.OpenDetail("t1"); err != nil {
		t.Fatalf("open detail: %v", err)
	}

	task.DeletedAt = domain.Now()
	store.emit(t, remote.TableTasks, remote.EventUpdate, task)

	v := mustView(t, e)
	if v.Detail != nil {
		t.Fatalf("detail should be cleared when its task is deleted elsewhere: %#v", v.Detail)
	}
	if len(v.Tasks) != 0 {
		t.Fatalf("soft deleted task should leave the view: %#v", v.Tasks)
	}
}

func TestMergeRefreshSkipsDirtyFields(t *testing.T) {
	store := newFakeStore()
	seedLists(store)
	task := domain.Task{ID: "t1", OwnerID: "owner", ListID: "inbox", Title: "Buy milk", Status: domain.StatusTodo, Priority: 3, OrderKey: 1}
	store.initialTasks = []domain.Task{task}
	e := newTestEngine(t, store, nil)

	if _, err := e.OpenDetail("t1"); err != nil {
		t.Fatalf("open detail: %v", err)
	}
	edited := "Buy milk and eggs"
	if err := e.SetDetail(DetailPatch{Title: &edited}); err != nil {
		t.Fatalf("set detail: %v", err)
	}

	task.Title = "Buy milk from the market"
	task.Priority = 1
	store.emit(t, remote.TableTasks, remote.EventUpdate, task)

	v := mustView(t, e)
	if v.Detail == nil {
		t.Fatal("detail should stay open")
	}
	if v.Detail.Title != edited {
		t.Fatalf("mid-edit title must survive the merge, got %q", v.Detail.Title)
	}
	if v.Detail.Priority != 1 {
		t.Fatalf("untouched fields should refresh from the merge, got priority %d", v.Detail.Priority)
	}
}

func TestMergeIgnoresMalformedPayloads(t *testing.T) {
	store := newFakeStore()
	seedLists(store)
	store.initialTasks = []domain.Task{
		{ID: "t1", OwnerID: "owner", ListID: "inbox", Title: "Buy milk", Status: domain.StatusTodo, Priority: 3, OrderKey: 1},
	}
	e := newTestEngine(t, store, nil)

	store.emitRaw(t, remote.TableTasks, remote.ChangeEvent{Type: remote.EventUpdate, Table: remote.TableTasks, New: json.RawMessage(`{"id": 42`)})
	store.emitRaw(t, remote.TableTasks, remote.ChangeEvent{Type: remote.EventUpdate, Table: remote.TableTasks, New: json.RawMessage(`{}`)})
	store.emitRaw(t, remote.TableTasks, remote.ChangeEvent{Type: "TRUNCATE", Table: remote.TableTasks})

	v := mustView(t, e)
	if len(v.Tasks) != 1 || v.Tasks[0].Title != "Buy milk" {
		t.Fatalf("malformed events must be skipped, got %#v", v.Tasks)
	}
}
