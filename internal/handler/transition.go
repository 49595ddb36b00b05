package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tiersync/internal/config"
	"tiersync/internal/models"
	"tiersync/internal/repository"
	"tiersync/internal/service"
)

type TransitionHandler struct {
	Transitions *service.TransitionService
	Store       repository.Store
	Rules       []config.TransitionRule
	Logger      *zap.Logger
}

func (h *TransitionHandler) Register(r *gin.Engine, auth gin.HandlerFunc) {
	group := r.Group("/api/transitions")
	group.POST("", auth, h.execute)
	group.GET("", h.list)
	group.GET("/:id/subscribers", h.listSubscribers)
}

type executeTransitionRequest struct {
	Source      string                  `json:"source" binding:"required"`
	Destination string                  `json:"destination" binding:"required"`
	Rules       []config.TransitionRule `json:"rules"`
}

func (h *TransitionHandler) execute(c *gin.Context) {
	if h.Transitions == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req executeTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	rules := req.Rules
	if len(rules) == 0 {
		rules = h.Rules
	}
	report, err := h.Transitions.Execute(c.Request.Context(), req.Source, req.Destination, rules)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("transition failed",
				zap.String("source", req.Source),
				zap.String("destination", req.Destination),
				zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), gin.H{"transition_id": report.TransitionID})
		return
	}
	Ok(c, report, nil)
}

type transitionView struct {
	models.Transition
	SourceCampaign      string `json:"source_campaign,omitempty"`
	DestinationCampaign string `json:"destination_campaign,omitempty"`
}

func (h *TransitionHandler) list(c *gin.Context) {
	ctx := c.Request.Context()
	limit := intQuery(c, "limit", 100)
	transitions, err := h.Store.ListTransitions(ctx, limit)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	names := map[uint64]string{}
	campaignName := func(id uint64) string {
		if name, ok := names[id]; ok {
			return name
		}
		name := ""
		if campaign, err := h.Store.GetCampaignByID(ctx, id); err == nil && campaign != nil {
			name = campaign.Name
		}
		names[id] = name
		return name
	}
	views := make([]transitionView, 0, len(transitions))
	for _, t := range transitions {
		views = append(views, transitionView{
			Transition:          t,
			SourceCampaign:      campaignName(t.SourceCampaignID),
			DestinationCampaign: campaignName(t.DestinationCampaignID),
		})
	}
	Ok(c, views, gin.H{"count": len(views)})
}

func (h *TransitionHandler) listSubscribers(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		Error(c, http.StatusBadRequest, "invalid transition id", nil)
		return
	}
	rows, err := h.Store.ListTransitionSubscribers(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, rows, gin.H{"count": len(rows)})
}
