package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskmirror/domain"
)

// RedisStore keeps rows in per-owner hashes (field = id, value = JSON row)
// and publishes change-feed events on per-table pub/sub channels. It stands
// in for the hosted row store in local and test deployments.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on top of the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("remote.NewRedisStore: client is nil")
	}
	return &RedisStore{client: client}
}

func listsKey(ownerID string) string { return "lists:" + ownerID }
func tasksKey(ownerID string) string { return "tasks:" + ownerID }

func feedChannel(table, ownerID string) string {
	return "feed:" + table + ":" + ownerID
}

// Lists returns every list of the owner, ordered by creation time.
func (s *RedisStore) Lists(ctx context.Context, ownerID string) ([]domain.List, error) {
	rows, err := s.client.HGetAll(ctx, listsKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch lists: %w", err)
	}
	lists := make([]domain.List, 0, len(rows))
	for id, raw := range rows {
		var l domain.List
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("decode list %s: %w", id, err)
		}
		lists = append(lists, l)
	}
	sort.Slice(lists, func(i, j int) bool {
		if !lists[i].CreatedAt.Equal(lists[j].CreatedAt.Time) {
			return lists[i].CreatedAt.Before(lists[j].CreatedAt.Time)
		}
		return lists[i].ID < lists[j].ID
	})
	return lists, nil
}

// Tasks returns every task row of the owner, soft-deleted rows included,
// ordered by priority then order key.
func (s *RedisStore) Tasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	rows, err := s.client.HGetAll(ctx, tasksKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(rows))
	for id, raw := range rows {
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		if tasks[i].OrderKey != tasks[j].OrderKey {
			return tasks[i].OrderKey < tasks[j].OrderKey
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// InsertList stores a new list row and publishes an INSERT event.
func (s *RedisStore) InsertList(ctx context.Context, l domain.List) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	added, err := s.client.HSetNX(ctx, listsKey(l.OwnerID), l.ID, data).Result()
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	if !added {
		return ErrRowExists
	}
	s.publish(ctx, TableLists, l.OwnerID, ChangeEvent{Type: EventInsert, Table: TableLists, New: data})
	return nil
}

// UpdateList applies a partial update and publishes an UPDATE event. The
// store owns updated_at: every accepted write bumps it.
func (s *RedisStore) UpdateList(ctx context.Context, ownerID, id string, p domain.ListPatch) error {
	raw, err := s.client.HGet(ctx, listsKey(ownerID), id).Result()
	if err == redis.Nil {
		return ErrNoRow
	}
	if err != nil {
		return fmt.Errorf("update list: %w", err)
	}
	var old domain.List
	if err := json.Unmarshal([]byte(raw), &old); err != nil {
		return fmt.Errorf("decode list %s: %w", id, err)
	}
	next := p.Apply(old)
	next.UpdatedAt = domain.Now()
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, listsKey(ownerID), id, data).Err(); err != nil {
		return fmt.Errorf("update list: %w", err)
	}
	s.publish(ctx, TableLists, ownerID, ChangeEvent{Type: EventUpdate, Table: TableLists, New: data, Old: json.RawMessage(raw)})
	return nil
}

// DeleteList removes the row and publishes a DELETE event carrying the old
// row. Lists are the one table that is hard deleted; tasks are soft deleted
// through UpdateTask.
func (s *RedisStore) DeleteList(ctx context.Context, ownerID, id string) error {
	raw, err := s.client.HGet(ctx, listsKey(ownerID), id).Result()
	if err == redis.Nil {
		return ErrNoRow
	}
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	if err := s.client.HDel(ctx, listsKey(ownerID), id).Err(); err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	s.publish(ctx, TableLists, ownerID, ChangeEvent{Type: EventDelete, Table: TableLists, Old: json.RawMessage(raw)})
	return nil
}

// InsertTask stores a new task row and publishes an INSERT event.
func (s *RedisStore) InsertTask(ctx context.Context, t domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	added, err := s.client.HSetNX(ctx, tasksKey(t.OwnerID), t.ID, data).Result()
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if !added {
		return ErrRowExists
	}
	s.publish(ctx, TableTasks, t.OwnerID, ChangeEvent{Type: EventInsert, Table: TableTasks, New: data})
	return nil
}

// UpdateTask applies a partial update and publishes an UPDATE event. Soft
// deletes travel this path as a patch that sets deleted_at.
func (s *RedisStore) UpdateTask(ctx context.Context, ownerID, id string, p domain.TaskPatch) error {
	raw, err := s.client.HGet(ctx, tasksKey(ownerID), id).Result()
	if err == redis.Nil {
		return ErrNoRow
	}
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	var old domain.Task
	if err := json.Unmarshal([]byte(raw), &old); err != nil {
		return fmt.Errorf("decode task %s: %w", id, err)
	}
	next := p.Apply(old)
	next.UpdatedAt = domain.Now()
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, tasksKey(ownerID), id, data).Err(); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	s.publish(ctx, TableTasks, ownerID, ChangeEvent{Type: EventUpdate, Table: TableTasks, New: data, Old: json.RawMessage(raw)})
	return nil
}

// Subscribe delivers change-feed events for one table, filtered to the
// owner, until the returned stop function is called. After stop returns the
// handler is not invoked again, even for events already in flight.
func (s *RedisStore) Subscribe(ctx context.Context, ownerID, table string, handler func(ChangeEvent)) (func(), error) {
	if table != TableLists && table != TableTasks {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	sub := s.client.Subscribe(ctx, feedChannel(table, ownerID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s feed: %w", table, err)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warnf("discarding malformed %s feed event: %v", table, err)
					continue
				}
				select {
				case <-done:
					return
				default:
				}
				handler(ev)
			}
		}
	}()
	return stop, nil
}

func (s *RedisStore) publish(ctx context.Context, table, ownerID string, ev ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("marshal %s feed event: %v", table, err)
		return
	}
	if err := s.client.Publish(ctx, feedChannel(table, ownerID), data).Err(); err != nil {
		// The row write already succeeded; subscribers resynchronize on
		// their next full load.
		log.Warnf("publish %s feed event: %v", table, err)
	}
}

// splitConnOptions parses the "host:port,key=value,..." connection string
// form used by managed Redis offerings when the URL form fails to parse.
func splitConnOptions(connStr string) *redis.Options {
	parts := strings.Split(connStr, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.ToLower(kv[0]) == "password" {
			opts.Password = kv[1]
		}
	}
	return opts
}

// ParseRedisOptions accepts either a redis URL or the comma-separated
// "host:port,password=..." form.
func ParseRedisOptions(connStr string) (*redis.Options, error) {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts, nil
	}
	if strings.Contains(connStr, "://") {
		return nil, err
	}
	return splitConnOptions(connStr), nil
}
