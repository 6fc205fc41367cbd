package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aluengo/zagal/pkg/models"
)

func (s *Server) apiSubmitTask(c *gin.Context) {
	var req models.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	rec, err := s.orchestrator.Submit(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) apiListTasks(c *gin.Context) {
	var states []models.TaskState
	for _, st := range c.QueryArray("state") {
		if st == "" {
			continue
		}
		states = append(states, models.TaskState(st))
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := s.orchestrator.ListTasks(models.ListRequest{States: states, Limit: limit})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]models.TaskSummary, 0, len(recs))
	for _, rec := range recs {
		summary := rec.ToSummary()
		summary.PromptExcerpt = sanitizeExcerpt(summary.PromptExcerpt)
		items = append(items, summary)
	}

	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) apiGetTask(c *gin.Context) {
	rec, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) apiTaskResult(c *gin.Context) {
	rec, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if rec.Result == nil {
		c.JSON(http.StatusOK, gin.H{"task_id": rec.Descriptor.ID, "state": rec.State})
		return
	}
	c.JSON(http.StatusOK, rec.Result)
}

func (s *Server) apiTaskEvents(c *gin.Context) {
	rec, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	var evs []models.AgentEvent
	if rec.Result != nil {
		evs = rec.Result.Events
	}
	if evs == nil {
		evs = []models.AgentEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"task_id": rec.Descriptor.ID, "state": rec.State, "events": evs})
}

func (s *Server) apiCancelTask(c *gin.Context) {
	if err := s.orchestrator.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) apiWaitTask(c *gin.Context) {
	timeout := 60 * time.Second
	if v := c.Query("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			timeout = d
		}
	}

	rec, err := s.orchestrator.Wait(c.Request.Context(), c.Param("id"), timeout)
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error(), "task": rec})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) apiDeleteTask(c *gin.Context) {
	if err := s.orchestrator.Delete(c.Param("id")); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// sanitizeExcerpt removes aggressive whitespace from prompt excerpts.
func sanitizeExcerpt(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.Join(strings.Fields(s), " ")
}
