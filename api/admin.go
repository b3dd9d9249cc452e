package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aalmada/BookStore-sub002"
)

// TenantResponse describes a registered tenant.
type TenantResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// AddTenantRequest is the body of POST /admin/tenants.
type AddTenantRequest struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name"`
}

// ProjectionStatusResponse describes one projection worker.
type ProjectionStatusResponse struct {
	Projection      string     `json:"projection"`
	TenantID        string     `json:"tenantId"`
	State           string     `json:"state"`
	Position        uint64     `json:"position"`
	Generation      int64      `json:"generation"`
	Lag             uint64     `json:"lag"`
	EventsProcessed uint64     `json:"eventsProcessed"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// CheckpointResponse is a stored projection checkpoint.
type CheckpointResponse struct {
	Projection string    `json:"projection"`
	TenantID   string    `json:"tenantId"`
	Position   uint64    `json:"position"`
	Generation int64     `json:"generation"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ScheduleResponse describes a scheduled command.
type ScheduleResponse struct {
	Key         string     `json:"key"`
	StreamKey   string     `json:"streamKey"`
	CommandType string     `json:"commandType"`
	DueAt       time.Time  `json:"dueAt"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func newProjectionStatusResponse(s *bookstore.ProjectionStatus) ProjectionStatusResponse {
	resp := ProjectionStatusResponse{
		Projection:      s.Name,
		TenantID:        s.TenantID,
		State:           string(s.State),
		Position:        s.Position,
		Generation:      s.Generation,
		Lag:             s.Lag,
		EventsProcessed: s.EventsProcessed,
		Error:           s.Error,
	}
	if !s.LastProcessedAt.IsZero() {
		t := s.LastProcessedAt
		resp.LastProcessedAt = &t
	}
	return resp
}

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.deps.Tenants.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := make([]TenantResponse, len(tenants))
	for i, t := range tenants {
		resp[i] = TenantResponse{ID: t.ID, Name: t.Name, RegisteredAt: t.RegisteredAt}
	}
	c.JSON(http.StatusOK, resp)
}

// addTenant registers a tenant and starts its projection workers.
func (s *Server) addTenant(c *gin.Context) {
	var req AddTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tenant, err := s.deps.Tenants.Register(c.Request.Context(), req.ID, req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.deps.Engine.AddTenant(tenant.ID); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Tenant registered", "tenant", tenant.ID)
	c.JSON(http.StatusCreated, TenantResponse{ID: tenant.ID, Name: tenant.Name, RegisteredAt: tenant.RegisteredAt})
}

func (s *Server) listProjections(c *gin.Context) {
	statuses := s.deps.Engine.Statuses(c.Request.Context())
	resp := make([]ProjectionStatusResponse, 0, len(statuses))
	for _, status := range statuses {
		if tenant := c.Query("tenant"); tenant != "" && status.TenantID != tenant {
			continue
		}
		resp = append(resp, newProjectionStatusResponse(status))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) projectionStatus(c *gin.Context) {
	status, err := s.deps.Engine.Status(c.Request.Context(), c.Param("name"), c.Param("tenant"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newProjectionStatusResponse(status))
}

func (s *Server) getCheckpoint(c *gin.Context) {
	cp, err := s.deps.Engine.GetCheckpoint(c.Request.Context(), c.Param("name"), c.Param("tenant"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CheckpointResponse{
		Projection: cp.Projection,
		TenantID:   cp.TenantID,
		Position:   cp.Position,
		Generation: cp.Generation,
		State:      cp.State,
		Error:      cp.Error,
		UpdatedAt:  cp.UpdatedAt,
	})
}

// rebuildProjection starts a rebuild in the background and answers 202.
// With ?wait=true it answers once the new generation is active.
func (s *Server) rebuildProjection(c *gin.Context) {
	name, tenant := c.Param("name"), c.Param("tenant")
	ctx := c.Request.Context()

	status, err := s.deps.Engine.Status(ctx, name, tenant)
	if err != nil {
		s.fail(c, err)
		return
	}
	if status.State == bookstore.ProjectionStateRebuilding {
		s.fail(c, fmt.Errorf("%w: %s for tenant %q", bookstore.ErrRebuildInProgress, name, tenant))
		return
	}

	if c.Query("wait") == "true" {
		if err := s.deps.Rebuilder.Rebuild(ctx, name, tenant); err != nil {
			s.fail(c, err)
			return
		}
		s.projectionStatus(c)
		return
	}

	s.rebuildWG.Add(1)
	go func(ctx context.Context) {
		defer s.rebuildWG.Done()
		err := s.deps.Rebuilder.Rebuild(ctx, name, tenant)
		switch {
		case errors.Is(err, bookstore.ErrRebuildInProgress):
			s.logger.Warn("Rebuild already running", "projection", name, "tenant", tenant)
		case err != nil:
			s.logger.Error("Rebuild failed", "projection", name, "tenant", tenant, "error", err)
		}
	}(context.WithoutCancel(ctx))

	c.Header("Location", fmt.Sprintf("/admin/projections/%s/tenants/%s", name, tenant))
	c.JSON(http.StatusAccepted, gin.H{"projection": name, "tenantId": tenant, "state": bookstore.ProjectionStateRebuilding})
}

func (s *Server) resumeProjection(c *gin.Context) {
	if err := s.deps.Engine.Resume(c.Request.Context(), c.Param("name"), c.Param("tenant")); err != nil {
		s.fail(c, err)
		return
	}
	s.projectionStatus(c)
}

func (s *Server) listSchedules(c *gin.Context) {
	var statuses []bookstore.ScheduleStatus
	if v := c.Query("status"); v != "" {
		for _, name := range strings.Split(v, ",") {
			status, err := bookstore.ParseScheduleStatus(strings.TrimSpace(name))
			if err != nil {
				badRequest(c, err)
				return
			}
			statuses = append(statuses, status)
		}
	}

	entries, err := s.deps.Scheduler.List(c.Request.Context(), c.Param("tenant"), statuses...)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := make([]ScheduleResponse, len(entries))
	for i, e := range entries {
		resp[i] = ScheduleResponse{
			Key:         e.Key,
			StreamKey:   e.StreamKey,
			CommandType: e.CommandType,
			DueAt:       e.DueAt,
			Status:      e.Status.String(),
			Attempts:    e.Attempts,
			LastError:   e.LastError,
			CreatedAt:   e.CreatedAt,
			CompletedAt: e.CompletedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}
