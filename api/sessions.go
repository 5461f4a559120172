package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/session"
	"github.com/Chounic/next-tasks-manager/storage"
)

const headerIdempotencyKey = "Idempotency-Key"

func registerSessions(g *echo.Group, sessions Sessions, deduper Deduper, pub *publisher, logger *log.Logger) {
	g.POST("/sessions", openSession(sessions, logger))
	g.GET("/sessions/:id", getSession(sessions, logger))
	g.DELETE("/sessions/:id", closeSession(sessions, logger))
	g.PATCH("/sessions/:id/draft", patchDraft(sessions, logger))
	g.POST("/sessions/:id/suggest", suggestSession(sessions, logger))
	g.POST("/sessions/:id/subtasks", addSubTask(sessions, logger))
	g.PATCH("/sessions/:id/subtasks/:uuid", patchSubTask(sessions, logger))
	g.DELETE("/sessions/:id/subtasks/:uuid", removeSubTask(sessions, logger))
	g.POST("/sessions/:id/labels/:label", toggleLabel(sessions, logger))
	g.DELETE("/sessions/:id/labels/:label", removeLabel(sessions, logger))
	g.POST("/sessions/:id/commit", commitSession(sessions, deduper, pub, logger))
}

// sessionStep runs fn against the session named in the path and answers
// with the updated session.
func sessionStep(c echo.Context, logger *log.Logger, fn func(userID, id string) (*session.Session, error)) error {
	var s *session.Session
	err := timed(c, func() (err error) {
		s, err = fn(userIDFrom(c), c.Param("id"))
		return err
	})
	if err != nil {
		return writeError(c, logger, "session", err)
	}
	metricsFrom(c).SetCount("sub_tasks", len(s.SubTasks))
	return respond(c, http.StatusOK, s)
}

func openSession(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req openSessionRequest
		if c.Request().ContentLength != 0 {
			if err := decodeBody(c, &req); err != nil && !errors.Is(err, errEmptyBody) {
				return writeError(c, logger, "decode", err)
			}
		}
		metricsFrom(c).SetFlag("editing", req.TaskID != nil)

		var s *session.Session
		err := timed(c, func() (err error) {
			s, err = sessions.Open(c.Request().Context(), userIDFrom(c), req.TaskID)
			return err
		})
		if err != nil {
			return writeError(c, logger, "session", err)
		}
		return respond(c, http.StatusCreated, s)
	}
}

func getSession(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return sessionStep(c, logger, func(userID, id string) (*session.Session, error) {
			return sessions.Get(c.Request().Context(), userID, id)
		})
	}
}

func closeSession(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := timed(c, func() error {
			return sessions.Close(c.Request().Context(), userIDFrom(c), c.Param("id"))
		})
		if err != nil {
			return writeError(c, logger, "session", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func patchDraft(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return writeError(c, logger, "decode", err)
		}
		return sessionStep(c, logger, func(userID, id string) (*session.Session, error) {
			return sessions.UpdateDraft(c.Request().Context(), userID, id, patch)
		})
	}
}

// suggestSession asks for AI metadata. A failed or skipped suggestion still
// answers 200 with applied=false.
func suggestSession(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var (
			s       *session.Session
			applied bool
		)
		err := timed(c, func() (err error) {
			s, applied, err = sessions.Suggest(c.Request().Context(), userIDFrom(c), c.Param("id"))
			return err
		})
		if err != nil {
			return writeError(c, logger, "suggest", err)
		}
		metricsFrom(c).SetFlag("suggestion_applied", applied)
		return respond(c, http.StatusOK, suggestResponse{Session: s, Applied: applied})
	}
}

func addSubTask(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, logger, "decode", err)
		}
		if req.ParentTaskID != nil {
			return writeError(c, logger, "decode", errInvalidBody)
		}
		fields, err := req.fields()
		if err != nil {
			return writeError(c, logger, "validate", err)
		}
		return sessionStep(c, logger, func(userID, id string) (*session.Session, error) {
			return sessions.AddSubTask(c.Request().Context(), userID, id, fields)
		})
	}
}

func patchSubTask(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return writeError(c, logger, "decode", err)
		}
		return sessionStep(c, logger, func(userID, id string) (*session.Session, error) {
			return sessions.UpdateSubTask(c.Request().Context(), userID, id, c.Param("uuid"), patch)
		})
	}
}

func removeSubTask(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return sessionStep(c, logger, func(userID, id string) (*session.Session, error) {
			return sessions.RemoveSubTask(c.Request().Context(), userID, id, c.Param("uuid"))
		})
	}
}

func toggleLabel(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return sessionStep(c, logger, func(userID, id string) (*session.Session, error) {
			return sessions.ToggleLabel(c.Request().Context(), userID, id, c.Param("label"))
		})
	}
}

func removeLabel(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return sessionStep(c, logger, func(userID, id string) (*session.Session, error) {
			return sessions.RemoveLabel(c.Request().Context(), userID, id, c.Param("label"))
		})
	}
}

// commitSession persists the session as one batch. With an Idempotency-Key
// header a replayed commit is refused; the key is released when the commit
// fails so the client may retry.
func commitSession(sessions Sessions, deduper Deduper, pub *publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, id := userIDFrom(c), c.Param("id")
		metrics := metricsFrom(c)

		key := c.Request().Header.Get(headerIdempotencyKey)
		dedupe := deduper != nil && key != ""
		if dedupe {
			added, err := deduper.Add(ctx, userID, key)
			if err != nil {
				return writeError(c, logger, "dedupe", err)
			}
			if !added {
				metrics.SetErrorStage("duplicate")
				return respond(c, http.StatusConflict, errorResponse{Error: "duplicate commit"})
			}
		}

		var res session.Result
		err := timed(c, func() (err error) {
			res, err = sessions.Commit(ctx, userID, id)
			return err
		})
		metrics.SetCount("ops_applied", len(res.Applied))
		metrics.SetFlag("atomic", res.Atomic)
		if err != nil {
			if dedupe {
				if rerr := deduper.Remove(ctx, userID, key); rerr != nil {
					logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, key, userID)
				}
			}
			// Rows applied before a non-atomic failure are still announced.
			pub.publish(userID, eventsForBatch(userID, res.Applied))

			var be *storage.BatchError
			if errors.As(err, &be) {
				metrics.Fail("storage", err)
				return respond(c, http.StatusBadGateway, commitFailureResponse{Error: be.Error(), Result: res})
			}
			return writeError(c, logger, "commit", err)
		}

		pub.publish(userID, eventsForBatch(userID, res.Applied))
		return respond(c, http.StatusOK, res)
	}
}
