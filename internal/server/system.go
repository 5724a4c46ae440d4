package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) dispatcherStatus(c *gin.Context) {
	resp := gin.H{
		"success":     true,
		"running":     s.deps.Scheduler.Started(),
		"task_counts": s.deps.Scheduler.StatusCounts(),
		"total_tasks": s.deps.Scheduler.TaskCount(),
	}
	if t := s.deps.Scheduler.RunningTask(); t != nil {
		resp["running_task"] = viewOf(t)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) dispatcherStart(c *gin.Context) {
	if err := s.deps.Scheduler.Start(); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) dispatcherStop(c *gin.Context) {
	if err := s.deps.Scheduler.Stop(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
