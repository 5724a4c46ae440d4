package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"noteops/internal/clock"
	"noteops/internal/dispatcher"
	"noteops/internal/license"
	"noteops/internal/logcollect"
)

const (
	minInterval = 900
	maxInterval = 10800
	dateLayout  = "2006-01-02"
)

// taskView is the wire form of a task.
type taskView struct {
	TaskID               string     `json:"task_id"`
	AccountID            string     `json:"account_id"`
	AccountName          string     `json:"account_name"`
	TaskType             string     `json:"task_type"`
	Status               string     `json:"status"`
	IntervalSeconds      int        `json:"interval_seconds"`
	ValidTimeRange       []int      `json:"valid_time_range,omitempty"`
	TaskEndTime          string     `json:"task_end_time,omitempty"`
	Mode                 string     `json:"mode"`
	InteractionNoteCount int        `json:"interaction_note_count"`
	LastExecutionTime    *time.Time `json:"last_execution_time,omitempty"`
	NextExecutionTime    *time.Time `json:"next_execution_time,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	LoginStatus          *bool      `json:"login_status,omitempty"`
	LoginStatusCheckedAt *time.Time `json:"login_status_checked_at,omitempty"`
	SysType              string     `json:"sys_type"`
}

func viewOf(t *dispatcher.TaskInfo) taskView {
	v := taskView{
		TaskID:               t.TaskID,
		AccountID:            t.AccountID,
		AccountName:          t.AccountName,
		TaskType:             t.TaskType,
		Status:               string(t.Status),
		IntervalSeconds:      t.IntervalSeconds,
		ValidTimeRange:       t.Window.Pair(),
		Mode:                 string(t.Mode),
		InteractionNoteCount: t.InteractionNoteCount,
		LastExecutionTime:    t.LastExecutionTime,
		NextExecutionTime:    t.NextExecutionTime,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
		LoginStatus:          t.LoginStatus,
		LoginStatusCheckedAt: t.LoginStatusCheckedAt,
		SysType:              t.SysType,
	}
	if t.EndDate != nil {
		v.TaskEndTime = t.EndDate.Format(dateLayout)
	}
	return v
}

type createTaskRequest struct {
	SysType              string  `json:"sys_type"`
	TaskType             string  `json:"task_type"`
	AccountID            string  `json:"xhs_account_id"`
	AccountName          string  `json:"xhs_account_name"`
	UserQuery            *string `json:"user_query"`
	Topic                *string `json:"topic"`
	Style                *string `json:"style"`
	TargetAudience       *string `json:"target_audience"`
	TaskEndTime          *string `json:"task_end_time"`
	Interval             *int    `json:"interval"`
	ValidTimeRange       []int   `json:"valid_time_range"`
	Mode                 *string `json:"mode"`
	InteractionNoteCount *int    `json:"interaction_note_count"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TaskType == "" {
		req.TaskType = dispatcher.TaskTypeXHS
	}

	// License gate before anything else.
	if s.deps.Scheduler.TaskCount() >= s.deps.License.MaxTasks() {
		switch {
		case !s.deps.License.IsActivated():
			failErr(c, fmt.Errorf("%w: free mode allows %d task(s)", license.ErrNotActivated, license.FreeMaxTasks))
		case s.deps.License.IsExpired():
			failErr(c, license.ErrExpired)
		default:
			failErr(c, fmt.Errorf("%w: licensed for %d task(s)", license.ErrTaskLimitReached, s.deps.License.MaxTasks()))
		}
		return
	}

	interval := dispatcher.DefaultIntervalSeconds
	if req.Interval != nil {
		interval = *req.Interval
	}
	if limit := s.deps.License.IntervalLimit(); limit > 0 {
		// Free mode: the requested cadence is coerced silently.
		interval = limit
	} else if interval < minInterval || interval > maxInterval {
		fail(c, http.StatusBadRequest,
			fmt.Sprintf("interval must be between %d and %d seconds", minInterval, maxInterval))
		return
	}

	window, err := clock.WindowFromPair(req.ValidTimeRange)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	endDate, err := parseEndDate(req.TaskEndTime)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	mode := dispatcher.ModeStandard
	if req.Mode != nil {
		mode = dispatcher.Mode(*req.Mode)
		if !dispatcher.ValidMode(mode) {
			fail(c, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", *req.Mode))
			return
		}
	}

	noteCount := dispatcher.DefaultNoteCount
	if req.InteractionNoteCount != nil {
		noteCount = *req.InteractionNoteCount
		if noteCount < dispatcher.MinNoteCount || noteCount > dispatcher.MaxNoteCount {
			fail(c, http.StatusBadRequest, fmt.Sprintf("interaction_note_count must be between %d and %d",
				dispatcher.MinNoteCount, dispatcher.MaxNoteCount))
			return
		}
	}

	kwargs := make(map[string]any)
	for key, val := range map[string]*string{
		"user_query":      req.UserQuery,
		"topic":           req.Topic,
		"style":           req.Style,
		"target_audience": req.TargetAudience,
	} {
		if val != nil {
			kwargs[key] = *val
		}
	}

	id, err := s.deps.Scheduler.AddTask(dispatcher.AddTaskRequest{
		TaskType:             req.TaskType,
		AccountID:            req.AccountID,
		AccountName:          req.AccountName,
		SysType:              req.SysType,
		IntervalSeconds:      interval,
		Window:               window,
		EndDate:              endDate,
		Mode:                 mode,
		InteractionNoteCount: noteCount,
		Kwargs:               kwargs,
	})
	if err != nil {
		failErr(c, err)
		return
	}

	task, err := s.deps.Scheduler.GetTask(id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "task": viewOf(task)})
}

func parseEndDate(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	d, err := time.ParseInLocation(dateLayout, *raw, time.Local)
	if err != nil {
		return nil, fmt.Errorf("task_end_time must be a date (%s): %v", dateLayout, err)
	}
	today := time.Now()
	todayDate := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.Local)
	if !d.After(todayDate) {
		return nil, fmt.Errorf("task_end_time must be in the future")
	}
	return &d, nil
}

func (s *Server) listTasks(c *gin.Context) {
	accountID := c.Query("account_id")
	statusFilter := c.Query("status")
	limit := intQuery(c, "limit", 0)
	offset := intQuery(c, "offset", 0)

	tasks := s.deps.Scheduler.ListTasks(accountID)
	if statusFilter != "" {
		kept := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == statusFilter {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}

	total := len(tasks)
	if offset > 0 {
		if offset >= len(tasks) {
			tasks = nil
		} else {
			tasks = tasks[offset:]
		}
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tasks": views, "total": total})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.deps.Scheduler.GetTask(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": viewOf(task)})
}

type updateTaskRequest struct {
	UserQuery            *string         `json:"user_query"`
	Topic                *string         `json:"topic"`
	Style                *string         `json:"style"`
	TargetAudience       *string         `json:"target_audience"`
	Interval             *int            `json:"interval"`
	ValidTimeRange       json.RawMessage `json:"valid_time_range"`
	TaskEndTime          *string         `json:"task_end_time"`
	Mode                 *string         `json:"mode"`
	InteractionNoteCount *int            `json:"interaction_note_count"`
}

func (s *Server) updateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	upd := dispatcher.UpdateTaskRequest{}

	if req.Interval != nil {
		interval := *req.Interval
		if limit := s.deps.License.IntervalLimit(); limit > 0 {
			interval = limit
		} else if interval < minInterval || interval > maxInterval {
			fail(c, http.StatusBadRequest,
				fmt.Sprintf("interval must be between %d and %d seconds", minInterval, maxInterval))
			return
		}
		upd.IntervalSeconds = &interval
	}

	// valid_time_range distinguishes absent (untouched) from null (cleared).
	if len(req.ValidTimeRange) > 0 {
		upd.WindowSet = true
		if string(req.ValidTimeRange) != "null" {
			var pair []int
			if err := json.Unmarshal(req.ValidTimeRange, &pair); err != nil {
				fail(c, http.StatusBadRequest, "valid_time_range must be [start_hour, end_hour] or null")
				return
			}
			window, err := clock.WindowFromPair(pair)
			if err != nil {
				fail(c, http.StatusBadRequest, err.Error())
				return
			}
			upd.Window = window
		}
	}

	if req.TaskEndTime != nil {
		endDate, err := parseEndDate(req.TaskEndTime)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		upd.EndDateSet = true
		upd.EndDate = endDate
	}

	if req.Mode != nil {
		mode := dispatcher.Mode(*req.Mode)
		if !dispatcher.ValidMode(mode) {
			fail(c, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", *req.Mode))
			return
		}
		upd.Mode = &mode
	}

	if req.InteractionNoteCount != nil {
		n := *req.InteractionNoteCount
		if n < dispatcher.MinNoteCount || n > dispatcher.MaxNoteCount {
			fail(c, http.StatusBadRequest, fmt.Sprintf("interaction_note_count must be between %d and %d",
				dispatcher.MinNoteCount, dispatcher.MaxNoteCount))
			return
		}
		upd.InteractionNoteCount = &n
	}

	content := make(map[string]any)
	for key, val := range map[string]*string{
		"user_query":      req.UserQuery,
		"topic":           req.Topic,
		"style":           req.Style,
		"target_audience": req.TargetAudience,
	} {
		if val != nil {
			content[key] = *val
		}
	}
	if len(content) > 0 {
		upd.Content = content
	}

	id := c.Param("id")
	if err := s.deps.Scheduler.UpdateTask(id, upd); err != nil {
		failErr(c, err)
		return
	}
	task, err := s.deps.Scheduler.GetTask(id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": viewOf(task)})
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.deps.Scheduler.RemoveTask(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) pauseTask(c *gin.Context) {
	if err := s.deps.Scheduler.PauseTask(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) resumeTask(c *gin.Context) {
	if err := s.deps.Scheduler.ResumeTask(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) reorderTask(c *gin.Context) {
	var req struct {
		PriorityOffset int `json:"priority_offset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id := c.Param("id")
	if err := s.deps.Scheduler.ReorderTask(id, req.PriorityOffset); err != nil {
		failErr(c, err)
		return
	}
	task, err := s.deps.Scheduler.GetTask(id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": viewOf(task)})
}

func (s *Server) executeTask(c *gin.Context) {
	if !s.deps.License.CanExecuteImmediately() {
		if s.deps.License.IsActivated() && s.deps.License.IsExpired() {
			failErr(c, fmt.Errorf("%w: immediate execution requires a valid license", license.ErrExpired))
		} else {
			failErr(c, fmt.Errorf("%w: immediate execution requires an activated license", license.ErrNotActivated))
		}
		return
	}

	// An empty body means "don't touch the schedule".
	var req struct {
		UpdateNextExecutionTime bool `json:"update_next_execution_time"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	report, err := s.deps.Scheduler.ExecuteImmediately(c.Param("id"), req.UpdateNextExecutionTime)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) taskLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Scheduler.GetTask(id); err != nil {
		failErr(c, err)
		return
	}

	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = &t
	}
	var levels []string
	if raw := c.Query("level"); raw != "" {
		for _, lv := range strings.Split(raw, ",") {
			levels = append(levels, strings.ToUpper(strings.TrimSpace(lv)))
		}
	}
	limit := intQuery(c, "limit", 0)

	entries, err := s.deps.Collector.Get(id, logcollect.BindTask, since, levels, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	if entries == nil {
		entries = []logcollect.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": entries, "count": len(entries)})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
