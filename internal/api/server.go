package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"skolebot/internal/domain"
	"skolebot/internal/events"
	"skolebot/internal/store"
)

// PlanChecker runs an immediate weekly-plan check across all children and
// reports how many got fresh content.
type PlanChecker interface {
	CheckAll(ctx context.Context, now time.Time) int
}

type Server struct {
	reminders store.ReminderRepository
	tasks     store.TaskRepository
	checker   PlanChecker
	observer  events.Observer
	children  []domain.Child
}

func NewServer(reminders store.ReminderRepository, tasks store.TaskRepository, checker PlanChecker, observer events.Observer, children []domain.Child) http.Handler {
	s := &Server{
		reminders: reminders,
		tasks:     tasks,
		checker:   checker,
		observer:  observer,
		children:  children,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Post("/api/reminders", s.createReminder)
	r.Get("/api/reminders/{id}", s.getReminder)
	r.Post("/api/reminders/recurring", s.createRecurringReminder)
	r.Get("/api/tasks", s.listTasks)
	r.Post("/api/tasks/{name}/enabled", s.setTaskEnabled)
	r.Post("/api/plan-check", s.runPlanCheck)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createReminderReq struct {
	Text  string `json:"text"`
	Date  string `json:"date"` // 2006-01-02
	Time  string `json:"time"` // 15:04
	Child string `json:"child"`
}

type createReminderResp struct {
	ID string `json:"id"`
}

func (s *Server) createReminder(w http.ResponseWriter, r *http.Request) {
	var req createReminderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.validateReminderFields(req.Text, req.Time, req.Child); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", 400)
		return
	}

	id, err := s.reminders.Insert(r.Context(), domain.Reminder{
		Kind:       domain.ReminderConcrete,
		Text:       req.Text,
		ChildName:  req.Child,
		RemindDate: req.Date,
		RemindTime: req.Time,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createReminderResp{ID: id})
}

func (s *Server) getReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rem, err := s.reminders.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":      rem.ID,
		"kind":    rem.Kind,
		"text":    rem.Text,
		"child":   rem.ChildName,
		"date":    rem.RemindDate,
		"time":    rem.RemindTime,
		"is_sent": rem.IsSent,
	})
}

type createRecurringReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Text        string `json:"text"`
	Time        string `json:"time"` // 15:04
	Child       string `json:"child"`
	CronExpr    string `json:"cron_expr"`
}

// createRecurringReminder stores a template reminder plus a reminder task
// that materializes a concrete instance on every cron occurrence.
func (s *Server) createRecurringReminder(w http.ResponseWriter, r *http.Request) {
	var req createRecurringReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if err := s.validateReminderFields(req.Text, req.Time, req.Child); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sched, err := cron.ParseStandard(req.CronExpr)
	if err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	templateID, err := s.reminders.Insert(r.Context(), domain.Reminder{
		Kind:       domain.ReminderTemplate,
		Text:       req.Text,
		ChildName:  req.Child,
		RemindDate: "",
		RemindTime: req.Time,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	nextRun := sched.Next(time.Now())
	task := domain.ScheduledTask{
		Name:        req.Name,
		Description: req.Description,
		CronExpr:    req.CronExpr,
		Kind:        domain.TaskReminder,
		ReminderID:  templateID,
		Enabled:     true,
		NextRun:     &nextRun,
	}
	if err := s.tasks.InsertTask(r.Context(), task); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task":     req.Name,
		"template": templateID,
		"next_run": nextRun.Format(time.RFC3339),
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		m := map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"cron_expr":   t.CronExpr,
			"kind":        t.Kind,
			"enabled":     t.Enabled,
		}
		if t.LastRun != nil {
			m["last_run"] = t.LastRun.Format(time.RFC3339)
		}
		if t.NextRun != nil {
			m["next_run"] = t.NextRun.Format(time.RFC3339)
		}
		out = append(out, m)
	}
	writeJSON(w, 200, out)
}

type setEnabledReq struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setTaskEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setEnabledReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	err := s.tasks.SetEnabled(r.Context(), name, req.Enabled)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runPlanCheck triggers an immediate weekly-plan check for all children.
// When nothing changed, each child's channel gets a "nothing new" notice,
// since the user explicitly asked.
func (s *Server) runPlanCheck(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	changed := s.checker.CheckAll(r.Context(), now)
	if changed == 0 {
		for _, child := range s.children {
			_ = s.observer.OnStatusMessage(r.Context(), events.StatusMessage{
				Child:  child,
				Text:   fmt.Sprintf("Checked the week %s plan: nothing new.", domain.PeriodOf(now)),
				Reason: events.ReasonNothingNew,
			})
		}
	}
	writeJSON(w, 200, map[string]any{"changed": changed})
}

func (s *Server) validateReminderFields(text, tm, child string) error {
	if text == "" {
		return errors.New("text is required")
	}
	if child == "" {
		return errors.New("child is required")
	}
	found := false
	for _, c := range s.children {
		if c.Name == child {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown child %q", child)
	}
	if _, err := time.Parse("15:04", tm); err != nil {
		return errors.New("time must be HH:MM")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
