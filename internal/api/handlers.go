package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"medwatch/internal/storage"
)

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error {
	if err := r.v.Struct(i); err != nil {
		return invalid("invalid request body", err)
	}
	return nil
}

type setTakenRequest struct {
	Taken *bool `json:"taken" validate:"required"`
}

type countResponse struct {
	Count int `json:"count"`
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("id must be a positive integer", err)
	}
	return id, nil
}

func (s *Server) health(c echo.Context) error {
	body := echo.Map{"status": "ok"}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started.IsZero() {
		body["uptime"] = time.Since(started).Round(time.Second).String()
	}
	if s.deps.Schedules != nil {
		body["scheduler"] = s.deps.Schedules.Snapshot()
	}
	return c.JSON(http.StatusOK, body)
}

// ---- notifications ----

func (s *Server) listNotifications(c echo.Context) error {
	unreadOnly := false
	if raw := strings.TrimSpace(c.QueryParam("unreadOnly")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return invalid("unreadOnly must be a boolean", err)
		}
		unreadOnly = b
	}
	return c.JSON(http.StatusOK, s.deps.Sink.List(ownerFrom(c), unreadOnly))
}

func (s *Server) countNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, countResponse{Count: s.deps.Sink.Count(ownerFrom(c), true)})
}

func (s *Server) markRead(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if !s.deps.Sink.MarkRead(ownerFrom(c), id) {
		return errNotFound
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) markAllRead(c echo.Context) error {
	n := s.deps.Sink.MarkAllRead(ownerFrom(c))
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

func (s *Server) deleteNotification(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if !s.deps.Sink.Delete(ownerFrom(c), id) {
		return errNotFound
	}
	return c.NoContent(http.StatusNoContent)
}

// ---- medication actions ----

func (s *Server) listActions(c echo.Context) error {
	var day *storage.Date
	if raw := strings.TrimSpace(c.QueryParam("date")); raw != "" {
		d, err := storage.ParseDate(raw)
		if err != nil {
			return invalid("date must be YYYY-MM-DD", err)
		}
		day = &d
	}
	list, err := s.deps.Ledger.List(c.Request().Context(), ownerFrom(c), day)
	if err != nil {
		return err
	}
	if list == nil {
		list = []storage.MedicationAction{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) revertAction(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := s.deps.Ledger.Revert(c.Request().Context(), ownerFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) deleteAction(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Ledger.Delete(c.Request().Context(), ownerFrom(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) setTaken(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req setTakenRequest
	if err := c.Bind(&req); err != nil {
		return invalid("malformed body", err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	res, err := s.deps.Ledger.SetTaken(c.Request().Context(), ownerFrom(c), id, *req.Taken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"medication": res.Medication, "action": res.Action})
}

// medicationReminders lists the caller's untaken doses coming up within the
// reminder lookahead, soonest first.
func (s *Server) medicationReminders(c echo.Context) error {
	due, err := s.deps.Reminders.DueFor(c.Request().Context(), ownerFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, due)
}

// ---- health score ----

func (s *Server) healthScore(c echo.Context) error {
	r, err := s.deps.Scorer.Recompute(c.Request().Context(), ownerFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}
