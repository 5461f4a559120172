package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Chounic/next-tasks-manager/board"
	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/session"
	"github.com/Chounic/next-tasks-manager/storage"
)

const (
	ctxUserID  = "userID"
	ctxMetrics = "requestMetrics"
)

var (
	errInvalidBody  = errors.New("invalid body")
	errEmptyBody    = fmt.Errorf("%w: empty", errInvalidBody)
	errBodyTooLarge = errors.New("request body too large")
)

// Register wires up all API routes on the provided Echo instance. The
// returned function stops the event publisher and must be called on
// shutdown.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) func() {
	pub := newPublisher(deps.Events, deps.Pool, logger)

	e.GET("/healthz", healthz(deps.Health))

	g := e.Group("/api", observe(logger), requireUser(deps.Auth))
	g.GET("/tasks", getTasks(deps.Store, logger))
	g.POST("/tasks", postTask(deps.Store, pub, logger))
	g.PUT("/tasks/:id", putTask(deps.Store, pub, logger))
	g.DELETE("/tasks/:id", deleteTask(deps.Store, pub, logger))
	g.GET("/board", getBoard(deps.Store, logger))
	g.GET("/settings", getSettings(deps.Store, logger))
	g.PUT("/settings", putSettings(deps.Store, logger))
	g.GET("/labels", getLabels())

	registerSessions(g, deps.Sessions, deps.Deduper, pub, logger)

	return pub.Close
}

func healthz(db HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if db == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			return c.String(http.StatusServiceUnavailable, "database unavailable")
		}
		return c.NoContent(http.StatusOK)
	}
}

// observe wraps every API request in request metrics keyed by route.
func observe(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, c.Path())
			c.SetRequest(c.Request().WithContext(spanCtx))
			c.Set(ctxMetrics, metrics)

			err := next(c)
			status, cause := c.Response().Status, metrics.failure
			if err != nil {
				cause = err
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			metrics.Log(status, cause)
			return err
		}
	}
}

func requireUser(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			metrics := metricsFrom(c)
			metrics.ObserveAuth(time.Since(start))
			if err != nil {
				metrics.SetErrorStage("auth")
				return c.String(http.StatusUnauthorized, err.Error())
			}
			c.Set(ctxUserID, userID)
			return next(c)
		}
	}
}

func userIDFrom(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(ctxMetrics).(*requestMetrics)
	return m
}

// timed runs fn and books its duration as store time.
func timed(c echo.Context, fn func() error) error {
	start := time.Now()
	err := fn()
	metricsFrom(c).ObserveStore(time.Since(start))
	return err
}

// decodeBody decodes at most maxBodySize bytes of JSON into v. It returns
// errEmptyBody, errBodyTooLarge or errInvalidBody.
func decodeBody(c echo.Context, v any) error {
	r := &readErrRecorder{r: http.MaxBytesReader(c.Response(), c.Request().Body, maxBodySize)}
	dec := sonic.ConfigStd.NewDecoder(r)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(r.err, &tooLarge), errors.As(err, &tooLarge):
		return errBodyTooLarge
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && r.n == 0:
		return errEmptyBody
	}
	return errInvalidBody
}

// readErrRecorder keeps the first read error so a size overflow is not lost
// behind a decoder error.
type readErrRecorder struct {
	r   io.Reader
	n   int64
	err error
}

func (rr *readErrRecorder) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	rr.n += int64(n)
	if err != nil && err != io.EOF && rr.err == nil {
		rr.err = err
	}
	return n, err
}

func respond(c echo.Context, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	metrics := metricsFrom(c)
	metrics.ObserveEncode(time.Since(start))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidPriority):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrTaskNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrSubTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrDuplicateSubTask),
		errors.Is(err, session.ErrSuggestionInFlight),
		errors.Is(err, session.ErrCommitInFlight):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError answers with the status matching err. Internal errors are
// logged and not echoed to the client.
func writeError(c echo.Context, logger *log.Logger, stage string, err error) error {
	metricsFrom(c).Fail(stage, err)
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp = errorResponse{Error: "validation failed", Fields: verr.Fields}
	}
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithFields(log.Fields{
			"route": c.Path(),
			"user":  userIDFrom(c),
			"stage": stage,
		}).Error("request failed")
		resp.Error = http.StatusText(status)
	}
	return respond(c, status, resp)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidBody
	}
	return id, nil
}

func getTasks(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := userIDFrom(c)
		filter := storage.TaskFilter{UserID: userID}
		if raw := strings.TrimSpace(c.QueryParam("parentTaskId")); raw != "" {
			parent, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parent <= 0 {
				return writeError(c, logger, "invalid_parent", errInvalidBody)
			}
			filter.ParentTaskID = &parent
		}
		metricsFrom(c).SetFlag("parent_filter", filter.ParentTaskID != nil)

		var tasks []domain.Task
		err := timed(c, func() (err error) {
			tasks, err = store.ListTasks(c.Request().Context(), filter)
			return err
		})
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		metricsFrom(c).SetCount("tasks_returned", len(tasks))
		return respond(c, http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func postTask(store Storage, pub *publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := userIDFrom(c)
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, logger, "decode", err)
		}
		fields, err := req.fields()
		if err != nil {
			return writeError(c, logger, "validate", err)
		}
		if verr := fields.Validate(); verr != nil {
			return writeError(c, logger, "validate", verr)
		}

		var created domain.Task
		err = timed(c, func() (err error) {
			created, err = store.CreateTask(c.Request().Context(), domain.NewTask{
				UserID:       userID,
				ParentTaskID: req.ParentTaskID,
				TaskFields:   fields,
			})
			return err
		})
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		pub.publish(userID, []domain.ChangeEvent{newChangeEvent(userID, created.ID, domain.TaskCreated)})
		return respond(c, http.StatusCreated, created)
	}
}

func putTask(store Storage, pub *publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := userIDFrom(c)
		id, err := pathID(c)
		if err != nil {
			return writeError(c, logger, "invalid_id", err)
		}
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return writeError(c, logger, "decode", err)
		}

		ctx := c.Request().Context()
		var task domain.Task
		if err := timed(c, func() (err error) {
			task, err = store.GetTask(ctx, userID, id)
			return err
		}); err != nil {
			return writeError(c, logger, "storage", err)
		}
		fields, err := patch.Apply(task.TaskFields)
		if err != nil {
			return writeError(c, logger, "patch", err)
		}
		if verr := fields.Validate(); verr != nil {
			return writeError(c, logger, "validate", verr)
		}
		task.TaskFields = fields
		if err := timed(c, func() error { return store.UpdateTask(ctx, task) }); err != nil {
			return writeError(c, logger, "storage", err)
		}
		pub.publish(userID, []domain.ChangeEvent{newChangeEvent(userID, id, domain.TaskUpdated)})
		return respond(c, http.StatusOK, task)
	}
}

func deleteTask(store Storage, pub *publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := userIDFrom(c)
		id, err := pathID(c)
		if err != nil {
			return writeError(c, logger, "invalid_id", err)
		}
		if err := timed(c, func() error { return store.DeleteTask(c.Request().Context(), userID, id) }); err != nil {
			return writeError(c, logger, "storage", err)
		}
		pub.publish(userID, []domain.ChangeEvent{newChangeEvent(userID, id, domain.TaskDeleted)})
		return c.NoContent(http.StatusNoContent)
	}
}

// getBoard never fails on storage errors: the board degrades to empty
// columns and default settings.
func getBoard(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := userIDFrom(c)
		ctx := c.Request().Context()
		entry := logger.WithField("user", userID)
		metrics := metricsFrom(c)

		var (
			tasks    []domain.Task
			settings domain.Settings
		)
		tasksErr := timed(c, func() (err error) {
			tasks, err = store.ListTasks(ctx, storage.TaskFilter{UserID: userID})
			return err
		})
		if tasksErr != nil {
			entry.WithError(tasksErr).Warn("board tasks unavailable")
			metrics.SetErrorStage("storage")
			return respond(c, http.StatusOK, boardResponse{Board: board.Empty(), Degraded: true})
		}
		settingsErr := timed(c, func() (err error) {
			settings, err = store.FetchSettings(ctx, userID)
			return err
		})
		if settingsErr != nil {
			entry.WithError(settingsErr).Warn("board settings unavailable, using defaults")
			metrics.SetErrorStage("settings")
			settings = domain.DefaultSettings()
		}

		b := board.Render(tasks, settings)
		metrics.SetCount("tasks_returned", len(tasks))
		return respond(c, http.StatusOK, boardResponse{Board: b, Degraded: settingsErr != nil})
	}
}

func getSettings(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var settings domain.Settings
		err := timed(c, func() (err error) {
			settings, err = store.FetchSettings(c.Request().Context(), userIDFrom(c))
			return err
		})
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, settings)
	}
}

func putSettings(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var settings domain.Settings
		if err := decodeBody(c, &settings); err != nil {
			return writeError(c, logger, "decode", err)
		}
		if settings.TasksPerColumn < 0 {
			verr := &domain.ValidationError{Fields: map[string]string{"tasksPerColumn": "must not be negative"}}
			return writeError(c, logger, "validate", verr)
		}
		if err := timed(c, func() error {
			return store.SaveSettings(c.Request().Context(), userIDFrom(c), settings)
		}); err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, settings)
	}
}

func getLabels() echo.HandlerFunc {
	return func(c echo.Context) error {
		return respond(c, http.StatusOK, labelsResponse{Labels: domain.AvailableLabels})
	}
}
