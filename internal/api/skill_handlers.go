package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/KrizPB/buhdi-node-sub000/internal/node"
	"github.com/KrizPB/buhdi-node-sub000/internal/store"
)

// handleHealth reports liveness.
// GET /healthz
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"skills": len(s.manager.List()),
	})
}

// handleDeploy runs the full deploy pipeline and maps the result status to
// an HTTP code. The response body is always the DeployResult.
// POST /api/v1/skills/deploy
func (s *Server) handleDeploy(c *gin.Context) {
	var cmd node.DeployCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed deploy command: " + err.Error()})
		return
	}
	if cmd.InitiatedBy == "" {
		cmd.InitiatedBy = s.caller(c)
	}

	result := s.manager.Deploy(c.Request.Context(), cmd)
	c.JSON(deployStatusCode(result.Status), result)
}

func deployStatusCode(status string) int {
	switch status {
	case node.StatusPending:
		return http.StatusAccepted
	case node.StatusRejected:
		return http.StatusUnprocessableEntity
	case node.StatusError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// handleList returns every installed skill.
// GET /api/v1/skills
func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"skills": s.manager.List()})
}

// handlePending returns deploys waiting for approval.
// GET /api/v1/skills/pending
func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.manager.Pendings()})
}

// handleGet returns one skill's record.
// GET /api/v1/skills/:name
func (s *Server) handleGet(c *gin.Context) {
	name := c.Param("name")
	info, ok := s.manager.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("skill %q is not installed", name)})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleApprove promotes a pending deploy.
// POST /api/v1/skills/:name/approve
func (s *Server) handleApprove(c *gin.Context) {
	result, err := s.manager.Approve(c.Request.Context(), c.Param("name"), s.caller(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(deployStatusCode(result.Status), result)
}

// handleReject discards a pending deploy.
// POST /api/v1/skills/:name/reject
func (s *Server) handleReject(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body) // body optional

	result, err := s.manager.Reject(c.Param("name"), s.caller(c), body.Reason)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleStart launches an installed skill.
// POST /api/v1/skills/:name/start
func (s *Server) handleStart(c *gin.Context) {
	name := c.Param("name")
	if err := s.manager.Start(c.Request.Context(), name, s.caller(c)); err != nil {
		c.JSON(statusCodeFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skill": name, "status": node.SkillRunning})
}

// handleStop halts a running skill.
// POST /api/v1/skills/:name/stop
func (s *Server) handleStop(c *gin.Context) {
	name := c.Param("name")
	if err := s.manager.Stop(c.Request.Context(), name, s.caller(c)); err != nil {
		c.JSON(statusCodeFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skill": name, "status": node.SkillStopped})
}

// handleUninstall removes a skill and everything it owns.
// DELETE /api/v1/skills/:name
func (s *Server) handleUninstall(c *gin.Context) {
	name := c.Param("name")
	if err := s.manager.Uninstall(c.Request.Context(), name, s.caller(c)); err != nil {
		c.JSON(statusCodeFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skill": name, "status": "uninstalled"})
}

// handleCall invokes a guest handler on a running skill. The request body
// is passed through as the handler's argument document.
// POST /api/v1/skills/:name/call/:fn
func (s *Server) handleCall(c *gin.Context) {
	name := c.Param("name")
	fn := c.Param("fn")

	var args json.RawMessage
	if err := c.ShouldBindJSON(&args); err != nil {
		args = nil
	}

	result, err := s.manager.Call(c.Request.Context(), name, fn, args)
	if err != nil {
		var rerr *node.RuntimeError
		switch {
		case errors.As(err, &rerr):
			c.JSON(http.StatusInternalServerError, gin.H{"error": rerr.Error()})
		case strings.Contains(err.Error(), "not running"):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

// handleLogs returns recent guest console lines, newest first.
// GET /api/v1/skills/:name/logs?n=100
func (s *Server) handleLogs(c *gin.Context) {
	n := intQuery(c, "n", 100)
	lines := s.manager.Logs().Recent(c.Param("name"), n)
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// handleAudit returns recent audit entries.
// GET /api/v1/audit?n=100
func (s *Server) handleAudit(c *gin.Context) {
	log := s.manager.Audit()
	if log == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []any{}})
		return
	}
	entries, err := log.Recent(intQuery(c, "n", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleEvents streams lifecycle and data events over SSE.
// GET /api/v1/events?skill=<name>
func (s *Server) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	broker := s.manager.Events()
	ch := broker.Subscribe(c.Query("skill"))
	defer broker.Unsubscribe(ch)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

// caller names the acting principal for audit entries.
func (s *Server) caller(c *gin.Context) string {
	if sub, ok := c.Get("subject"); ok {
		return fmt.Sprint(sub)
	}
	return "api"
}

func statusCodeFor(err error) int {
	if errors.Is(err, store.ErrNotInstalled) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
