package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tiersync/internal/models"
	"tiersync/internal/repository"
	"tiersync/internal/service"
)

type SyncHandler struct {
	Sync   *service.SyncService
	Store  repository.Store
	Logger *zap.Logger
}

func (h *SyncHandler) Register(r *gin.Engine, auth gin.HandlerFunc) {
	group := r.Group("/api/sync")
	group.POST("/run", auth, h.run)
	group.POST("/stop", auth, h.stop)
	group.POST("/subscribers/resync", auth, h.resyncSubscriber)
	group.GET("/runs/latest", h.latestRun)
	group.GET("/checkpoints", h.listCheckpoints)
	group.GET("/errors", h.listErrors)
}

func (h *SyncHandler) run(c *gin.Context) {
	if h.Sync == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	report, err := h.Sync.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrRunActive) {
			Error(c, http.StatusConflict, err.Error(), nil)
			return
		}
		if h.Logger != nil {
			h.Logger.Warn("sync run failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), gin.H{"run_id": report.RunID})
		return
	}
	Ok(c, report, nil)
}

func (h *SyncHandler) stop(c *gin.Context) {
	if h.Sync == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	stopped := h.Sync.StopActive()
	Ok(c, gin.H{"stopping": stopped}, nil)
}

type resyncRequest struct {
	Email    string `json:"email" binding:"required"`
	Campaign string `json:"campaign" binding:"required"`
}

func (h *SyncHandler) resyncSubscriber(c *gin.Context) {
	if h.Sync == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req resyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	report, err := h.Sync.ResyncSubscriber(c.Request.Context(), req.Email, req.Campaign)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, report, nil)
}

func (h *SyncHandler) latestRun(c *gin.Context) {
	run, err := h.Store.GetLatestSyncRun(c.Request.Context())
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if run == nil {
		// No run has ever been recorded; the orchestrator is idle.
		Ok(c, gin.H{"status": models.RunIdle}, nil)
		return
	}
	Ok(c, run, nil)
}

func (h *SyncHandler) listCheckpoints(c *gin.Context) {
	checkpoints, err := h.Store.ListCheckpoints(c.Request.Context())
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, checkpoints, gin.H{"count": len(checkpoints)})
}

func (h *SyncHandler) listErrors(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	entries, err := h.Store.ListSyncErrors(c.Request.Context(), limit)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, entries, gin.H{"count": len(entries)})
}
