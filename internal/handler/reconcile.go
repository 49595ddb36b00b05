package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tiersync/internal/service"
)

type ReconcileHandler struct {
	Reconcile *service.ReconcileService
	Logger    *zap.Logger
}

func (h *ReconcileHandler) Register(r *gin.Engine, auth gin.HandlerFunc) {
	r.POST("/api/reconcile", auth, h.reconcile)
}

func (h *ReconcileHandler) reconcile(c *gin.Context) {
	if h.Reconcile == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	pass := strings.ToLower(strings.TrimSpace(c.Query("pass")))
	if pass == "" {
		pass = "all"
	}
	ctx := c.Request.Context()
	var (
		result service.ReconcileResult
		err    error
	)
	switch pass {
	case "all":
		result, err = h.Reconcile.ReconcileAll(ctx)
	case "campaigns":
		result, err = h.Reconcile.ReconcileCampaigns(ctx)
	case "fields":
		result, err = h.Reconcile.ReconcileFields(ctx)
	case "groups":
		result, err = h.Reconcile.ReconcileGroups(ctx)
	case "associations":
		result, err = h.Reconcile.ReconcileSubscriberAssociations(ctx)
	default:
		Error(c, http.StatusBadRequest, "unsupported pass: "+pass, nil)
		return
	}
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("reconcile failed", zap.String("pass", pass), zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), gin.H{"partial": result})
		return
	}
	Ok(c, result, gin.H{"pass": pass})
}
