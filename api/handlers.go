package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskmirror/domain"
	"taskmirror/engine"
	"taskmirror/remote"
)

const maxUploadBytes = 10 << 20

const ownerIDKey = "owner_id"

var strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()

// Authenticator is implemented by types able to extract owner ids from
// credentials.
type Authenticator interface {
	OwnerIDFromAuthHeader(string) (string, error)
	OwnerIDFromToken(string) (string, error)
}

// Deduper prevents reprocessing of retried mutation requests.
type Deduper interface {
	Add(ctx context.Context, ownerID, key string) (bool, error)
	Remove(ctx context.Context, ownerID, key string) error
}

// ObjectStore is the slice of the object store the gateway needs: uploads
// for avatars and public serving of stored objects.
type ObjectStore interface {
	Upload(ctx context.Context, objPath string, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, objPath string) ([]byte, string, error)
}

type deps struct {
	engines *Registry
	auth    Authenticator
	objects ObjectStore
	deduper Deduper
	logger  *log.Logger
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, engines *Registry, auth Authenticator, objects ObjectStore, deduper Deduper, logger *log.Logger) {
	h := &deps{engines: engines, auth: auth, objects: objects, deduper: deduper, logger: logger}

	e.GET("/api/view", h.handle("/api/view", h.getView))
	e.POST("/api/lists", h.handle("/api/lists", h.createList))
	e.PATCH("/api/lists/:id", h.handle("/api/lists/:id", h.renameList))
	e.DELETE("/api/lists/:id", h.handle("/api/lists/:id", h.deleteList))
	e.POST("/api/lists/:id/select", h.handle("/api/lists/:id/select", h.selectList))
	e.POST("/api/tasks", h.handle("/api/tasks", h.createTask))
	e.POST("/api/tasks/:id/toggle", h.handle("/api/tasks/:id/toggle", h.toggleTask))
	e.DELETE("/api/tasks/:id", h.handle("/api/tasks/:id", h.removeTask))
	e.POST("/api/tasks/:id/detail", h.handle("/api/tasks/:id/detail", h.openDetail))
	e.PATCH("/api/detail", h.handle("/api/detail", h.patchDetail))
	e.POST("/api/detail/save", h.handle("/api/detail/save", h.saveDetail))
	e.POST("/api/detail/close", h.handle("/api/detail/close", h.closeDetail))
	e.POST("/api/tasks/:id/images", h.handle("/api/tasks/:id/images", h.attachImage))
	e.DELETE("/api/tasks/:id/images", h.handle("/api/tasks/:id/images", h.detachImage))
	e.POST("/api/avatar", h.handle("/api/avatar", h.uploadAvatar))
	e.GET("/api/stream", h.stream)
	e.GET("/objects/*", h.serveObject)
	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handle authenticates the request, resolves the owner's engine and applies
// idempotency-key deduplication before delegating to the route handler.
func (h *deps) handle(route string, fn func(c echo.Context, eng *engine.Engine) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := newRequestMetrics(h.logger, route)
		defer func() { m.Log(c.Response().Status) }()

		authStart := time.Now()
		ownerID, err := h.auth.OwnerIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		m.ObserveAuth(time.Since(authStart))
		if err != nil {
			m.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Set(ownerIDKey, ownerID)
		ctx := c.Request().Context()
		eng, err := h.engines.Engine(ctx, ownerID)
		if err != nil {
			m.SetErrorStage("engine")
			return c.String(http.StatusServiceUnavailable, err.Error())
		}

		idemKey := c.Request().Header.Get("Idempotency-Key")
		if idemKey != "" && h.deduper != nil && c.Request().Method != http.MethodGet {
			fresh, err := h.deduper.Add(ctx, ownerID, idemKey)
			if err != nil {
				m.SetErrorStage("dedupe")
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
			if !fresh {
				m.SetErrorStage("duplicate")
				return c.String(http.StatusConflict, "duplicate request")
			}
		}

		applyStart := time.Now()
		err = fn(c, eng)
		m.ObserveApply(time.Since(applyStart))
		if c.Response().Status >= http.StatusBadRequest {
			m.SetErrorStage("apply")
			// A rejected mutation may be retried with the same key.
			if idemKey != "" && h.deduper != nil {
				if rerr := h.deduper.Remove(ctx, ownerID, idemKey); rerr != nil {
					h.logger.Warnf("forget idempotency key: %v", rerr)
				}
			}
		}
		return err
	}
}

// httpError maps engine and validation errors onto status codes. Remote
// rejections never show up here: they arrive asynchronously on the stream as
// notices, after the rollback.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNoSuchRecord):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateName), errors.Is(err, domain.ErrDuplicateTitle):
		return c.String(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrEmptyName), errors.Is(err, domain.ErrEmptyTitle), errors.Is(err, domain.ErrPriorityRange):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrClosed):
		return c.String(http.StatusServiceUnavailable, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(c echo.Context, into any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes))
	if err != nil {
		return err
	}
	return strictJSON.Unmarshal(body, into)
}

func (h *deps) getView(c echo.Context, eng *engine.Engine) error {
	if listID := c.QueryParam("list"); listID != "" {
		if err := eng.SelectList(listID); err != nil {
			return httpError(c, err)
		}
	}
	v, err := eng.View()
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

type listRequest struct {
	Name string `json:"name"`
}

func (h *deps) createList(c echo.Context, eng *engine.Engine) error {
	var req listRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	l, err := eng.CreateList(req.Name)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *deps) renameList(c echo.Context, eng *engine.Engine) error {
	var req listRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if err := eng.RenameList(c.Param("id"), req.Name); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *deps) deleteList(c echo.Context, eng *engine.Engine) error {
	if err := eng.DeleteList(c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *deps) selectList(c echo.Context, eng *engine.Engine) error {
	if err := eng.SelectList(c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type taskRequest struct {
	Title string `json:"title"`
}

func (h *deps) createTask(c echo.Context, eng *engine.Engine) error {
	var req taskRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	t, err := eng.CreateTask(req.Title)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *deps) toggleTask(c echo.Context, eng *engine.Engine) error {
	if err := eng.ToggleTask(c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *deps) removeTask(c echo.Context, eng *engine.Engine) error {
	if err := eng.RemoveTask(c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *deps) openDetail(c echo.Context, eng *engine.Engine) error {
	dv, err := eng.OpenDetail(c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, dv)
}

func (h *deps) patchDetail(c echo.Context, eng *engine.Engine) error {
	var patch engine.DetailPatch
	if err := decodeBody(c, &patch); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if err := eng.SetDetail(patch); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *deps) saveDetail(c echo.Context, eng *engine.Engine) error {
	if err := eng.SaveDetail(); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *deps) closeDetail(c echo.Context, eng *engine.Engine) error {
	if err := eng.CloseDetail(); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func readUpload(c echo.Context) (string, []byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return "", nil, err
	}
	if fh.Size > maxUploadBytes {
		return "", nil, fmt.Errorf("file too large")
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return "", nil, err
	}
	return fh.Filename, data, nil
}

func (h *deps) attachImage(c echo.Context, eng *engine.Engine) error {
	filename, data, err := readUpload(c)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	url, err := eng.AttachImage(c.Request().Context(), c.Param("id"), filename, data)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"url": url})
}

type detachImageRequest struct {
	URL string `json:"url"`
}

func (h *deps) detachImage(c echo.Context, eng *engine.Engine) error {
	var req detachImageRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if err := eng.DetachImage(c.Param("id"), req.URL); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *deps) uploadAvatar(c echo.Context, eng *engine.Engine) error {
	filename, data, err := readUpload(c)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	ownerID, _ := c.Get(ownerIDKey).(string)
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	objPath := fmt.Sprintf("%s/%d%s", ownerID, time.Now().UnixMilli(), ext)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := h.objects.Upload(c.Request().Context(), objPath, data, contentType)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"url": url})
}

// serveObject makes stored objects publicly reachable under the same URLs
// the attachment codec embeds in descriptions.
func (h *deps) serveObject(c echo.Context) error {
	objPath := c.Param("*")
	data, contentType, err := h.objects.Fetch(c.Request().Context(), objPath)
	if err != nil {
		if errors.Is(err, remote.ErrNoRow) {
			return c.NoContent(http.StatusNotFound)
		}
		c.Logger().Error(err)
		return c.NoContent(http.StatusInternalServerError)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// stream pushes view snapshots and rollback notices over SSE. The first
// event is always a full snapshot so a reconnecting client starts from the
// current state.
func (h *deps) stream(c echo.Context) error {
	token := c.QueryParam("token")
	var ownerID string
	var err error
	if token != "" {
		ownerID, err = h.auth.OwnerIDFromToken(token)
	} else {
		ownerID, err = h.auth.OwnerIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	}
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	eng, err := h.engines.Engine(c.Request().Context(), ownerID)
	if err != nil {
		return c.String(http.StatusServiceUnavailable, err.Error())
	}

	events, stop := eng.Subscribe()
	defer stop()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	v, err := eng.View()
	if err != nil {
		return nil
	}
	if err := writeSSE(resp, "view", v); err != nil {
		return nil
	}
	flusher.Flush()

	ctx := c.Request().Context()
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.View != nil {
				if err := writeSSE(resp, "view", ev.View); err != nil {
					return nil
				}
			}
			if ev.Notice != nil {
				if err := writeSSE(resp, "notice", ev.Notice); err != nil {
					return nil
				}
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(resp, ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
