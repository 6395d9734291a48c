package engine

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"taskmirror/domain"
	"taskmirror/remote"
)

// imagePath builds the storage path for a task attachment. The timestamp
// keeps repeated uploads of the same filename from colliding.
func (e *Engine) imagePath(taskID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s/%s/%d%s", e.ownerID, taskID, time.Now().UnixMilli(), ext)
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// AttachImage uploads an image, appends its URL to the task's description
// and writes the new description remotely. The upload happens before the
// optimistic apply; if the description write is later rejected the image is
// unlinked again and the uploaded object removed best-effort.
func (e *Engine) AttachImage(ctx context.Context, taskID, filename string, data []byte) (string, error) {
	err := e.do(func() error {
		t, ok := e.proj.tasks[taskID]
		if !ok || !t.Active() {
			return domain.ErrNoSuchRecord
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	objPath := e.imagePath(taskID, filename)
	url, err := e.objects.Upload(ctx, objPath, data, contentTypeFor(filename))
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}

	err = e.do(func() error {
		prev, ok := e.proj.tasks[taskID]
		if !ok || !prev.Active() {
			// The task went away while the upload ran.
			e.removeObject(objPath)
			return domain.ErrNoSuchRecord
		}
		desc := domain.DecodeDescription(prev.Description)
		desc.URLs = append(desc.URLs, url)
		encoded := domain.EncodeDescription(desc.Text, desc.URLs)
		patch := domain.TaskPatch{Description: &encoded}

		e.proj.tasks[taskID] = patch.Apply(prev)
		if e.detail != nil && e.detail.taskID == taskID {
			e.detail.urls = append(e.detail.urls, url)
		}
		e.publishView()

		e.commit("attach image", func(ctx context.Context) error {
			return e.store.UpdateTask(ctx, e.ownerID, taskID, patch)
		}, func() {
			e.proj.tasks[taskID] = prev
			if e.detail != nil && e.detail.taskID == taskID {
				e.detail.urls = withoutURL(e.detail.urls, url)
			}
			e.removeObject(objPath)
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// DetachImage drops an attachment URL from the task's description, removes
// the backing object best-effort and writes the new description remotely.
func (e *Engine) DetachImage(taskID, url string) error {
	return e.do(func() error {
		prev, ok := e.proj.tasks[taskID]
		if !ok || !prev.Active() {
			return domain.ErrNoSuchRecord
		}
		desc := domain.DecodeDescription(prev.Description)
		remaining := withoutURL(desc.URLs, url)
		if len(remaining) == len(desc.URLs) {
			return domain.ErrNoSuchRecord
		}
		encoded := domain.EncodeDescription(desc.Text, remaining)
		patch := domain.TaskPatch{Description: &encoded}

		e.proj.tasks[taskID] = patch.Apply(prev)
		if e.detail != nil && e.detail.taskID == taskID {
			e.detail.urls = withoutURL(e.detail.urls, url)
		}
		e.publishView()

		if objPath, ok := remote.ObjectPath(url); ok {
			e.removeObject(objPath)
		}
		e.commit("detach image", func(ctx context.Context) error {
			return e.store.UpdateTask(ctx, e.ownerID, taskID, patch)
		}, func() {
			e.proj.tasks[taskID] = prev
			if e.detail != nil && e.detail.taskID == taskID {
				e.detail.refreshFrom(prev)
			}
		})
		return nil
	})
}

// removeObject deletes a stored object in the background. Failures are
// logged and otherwise ignored; an orphaned object costs storage, not
// correctness.
func (e *Engine) removeObject(objPath string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := e.objects.Remove(ctx, objPath); err != nil {
			e.logger.WithField("path", objPath).Warnf("remove object: %v", err)
		}
	}()
}

func withoutURL(urls []string, url string) []string {
	out := urls[:0:0]
	for _, u := range urls {
		if u != url {
			out = append(out, u)
		}
	}
	return out
}
