package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// TransitionRequest is the body of complete, fail and processing calls.
// Property is optional; without it every property is searched.
type TransitionRequest struct {
	ID       types.JobID `json:"id"`
	Property string      `json:"property,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// RemotePrintRequest is the body of the remote-print shortcut.
type RemotePrintRequest struct {
	RoomNumber string `json:"roomNumber"`
	Password   string `json:"password"`
}

func bindJSON(c *gin.Context, op string, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, errs.Validation(op, "request body must be valid JSON",
			errs.Detail{Field: "body", Reason: err.Error()}))
		return false
	}
	return true
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "kioskq", "backend": s.backend})
}

// POST /api/pms-queue
func (s *Server) enqueue(c *gin.Context) {
	var req types.EnqueueRequest
	if !bindJSON(c, "server.enqueue", &req) {
		return
	}
	job, err := s.svc.Enqueue(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(ctxProperty, string(job.Property))
	ok(c, http.StatusCreated, job)
}

// GET /api/pms-queue?property=P
func (s *Server) listPending(c *gin.Context) {
	property := c.Query("property")
	c.Set(ctxProperty, property)

	jobs, err := s.svc.ListPending(c.Request.Context(), property)
	if err != nil {
		fail(c, err)
		return
	}
	okList(c, jobs)
}

// GET /api/pms-queue/:id?property=P
func (s *Server) getJob(c *gin.Context) {
	job, err := s.svc.Get(c.Request.Context(), c.Query("property"), types.JobID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(ctxProperty, string(job.Property))
	ok(c, http.StatusOK, job)
}

// POST /api/pms-queue/complete
func (s *Server) complete(c *gin.Context) {
	var req TransitionRequest
	if !bindJSON(c, "server.complete", &req) {
		return
	}
	job, err := s.svc.Complete(c.Request.Context(), req.Property, req.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(ctxProperty, string(job.Property))
	c.JSON(http.StatusOK, CompleteResponse{Success: true, ID: job.ID, CompletedAt: job.CompletedAt})
}

// POST /api/pms-queue/fail
func (s *Server) failJob(c *gin.Context) {
	var req TransitionRequest
	if !bindJSON(c, "server.fail", &req) {
		return
	}
	job, err := s.svc.Fail(c.Request.Context(), req.Property, req.ID, req.Error)
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(ctxProperty, string(job.Property))
	ok(c, http.StatusOK, job)
}

// POST /api/pms-queue/processing
func (s *Server) markProcessing(c *gin.Context) {
	var req TransitionRequest
	if !bindJSON(c, "server.processing", &req) {
		return
	}
	job, err := s.svc.MarkProcessing(c.Request.Context(), req.Property, req.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(ctxProperty, string(job.Property))
	ok(c, http.StatusOK, job)
}

// POST /api/remote-print
func (s *Server) remotePrint(c *gin.Context) {
	var req RemotePrintRequest
	if !bindJSON(c, "server.remotePrint", &req) {
		return
	}
	job, err := s.svc.RemotePrint(c.Request.Context(), req.RoomNumber, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(ctxProperty, string(job.Property))
	ok(c, http.StatusCreated, job)
}
