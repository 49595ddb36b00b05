package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tiersync/internal/models"
	"tiersync/internal/platform"
	"tiersync/internal/repository"
	"tiersync/internal/tier"
)

type CampaignHandler struct {
	Store    repository.Store
	Platform platform.SubscriberPlatform
	Logger   *zap.Logger
}

func (h *CampaignHandler) Register(r *gin.Engine, auth gin.HandlerFunc) {
	group := r.Group("/api/campaigns")
	group.GET("", h.list)
	group.POST("", auth, h.create)
	group.DELETE("/:name", auth, h.delete)
	group.GET("/:name/groups", h.listGroups)
	group.GET("/:name/associations", h.listAssociations)
}

func (h *CampaignHandler) list(c *gin.Context) {
	campaigns, err := h.Store.ListCampaigns(c.Request.Context())
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, campaigns, gin.H{"count": len(campaigns)})
}

type createCampaignRequest struct {
	Name      string `json:"name"`
	ProductID string `json:"product_id"`
	Artist    string `json:"artist"`
	Album     string `json:"album"`
	Year      int    `json:"year"`
}

// create registers a campaign in the local mirror. The name comes either from
// the request directly (custom campaign) or is derived from album metadata.
// Remote provisioning happens on the next reconciliation pass.
func (h *CampaignHandler) create(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	name := tier.NormalizeCampaign(req.Name)
	custom := name != ""
	if name == "" {
		if req.Artist == "" || req.Album == "" || req.Year == 0 {
			Error(c, http.StatusBadRequest, "name or album metadata required", nil)
			return
		}
		name = tier.AlbumCampaignName(req.Year, req.Artist, req.Album)
	}

	ctx := c.Request.Context()
	campaign := models.Campaign{Name: name, Custom: custom}
	if req.ProductID != "" {
		campaign.ProductID = &req.ProductID
	}
	if req.Artist != "" {
		campaign.Artist = &req.Artist
	}
	if req.Album != "" {
		campaign.Album = &req.Album
	}
	if req.Year != 0 {
		campaign.Year = &req.Year
	}
	if err := h.Store.InTx(ctx, func(tx *gorm.DB) error {
		return h.Store.UpsertCampaignsTx(ctx, tx, []models.Campaign{campaign})
	}); err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	stored, err := h.Store.GetCampaignByName(ctx, name)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, stored, nil)
}

// delete removes a campaign and cascades: remote tier-groups and the purchase
// field are deleted first, then the local rows. Transition history stays.
func (h *CampaignHandler) delete(c *gin.Context) {
	ctx := c.Request.Context()
	campaign, err := h.Store.GetCampaignByName(ctx, c.Param("name"))
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if campaign == nil {
		Error(c, http.StatusNotFound, "campaign not found", nil)
		return
	}

	groups, err := h.Store.ListGroupsByCampaignID(ctx, campaign.ID)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	for _, group := range groups {
		if err := h.Platform.DeleteGroup(ctx, group.RemoteID); err != nil {
			if h.Logger != nil {
				h.Logger.Warn("remote group delete failed",
					zap.String("group", group.Name), zap.Error(err))
			}
		}
	}
	if field, err := h.Store.GetFieldByCampaignID(ctx, campaign.ID); err == nil && field != nil {
		if err := h.Platform.DeleteField(ctx, field.RemoteID); err != nil && h.Logger != nil {
			h.Logger.Warn("remote field delete failed",
				zap.String("field", field.Name), zap.Error(err))
		}
	}

	if err := h.Store.InTx(ctx, func(tx *gorm.DB) error {
		return h.Store.DeleteCampaignTx(ctx, tx, campaign.ID)
	}); err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"deleted": campaign.Name}, nil)
}

func (h *CampaignHandler) listGroups(c *gin.Context) {
	ctx := c.Request.Context()
	campaign, err := h.Store.GetCampaignByName(ctx, c.Param("name"))
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if campaign == nil {
		Error(c, http.StatusNotFound, "campaign not found", nil)
		return
	}
	groups, err := h.Store.ListGroupsByCampaignID(ctx, campaign.ID)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, groups, gin.H{"count": len(groups)})
}

func (h *CampaignHandler) listAssociations(c *gin.Context) {
	ctx := c.Request.Context()
	campaign, err := h.Store.GetCampaignByName(ctx, c.Param("name"))
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if campaign == nil {
		Error(c, http.StatusNotFound, "campaign not found", nil)
		return
	}
	associations, err := h.Store.ListAssociationsByCampaignID(ctx, campaign.ID)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, associations, gin.H{"count": len(associations)})
}
