package api

import (
	"net/http"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/quota"
)

// QuotaStore reports send quota usage
type QuotaStore interface {
	Remaining(ch campaign.Channel) int
	Stats(ch campaign.Channel) *quota.Stats
	GlobalStats() *quota.Stats
}

// ChannelQuota is the quota state of one channel
type ChannelQuota struct {
	// Remaining is -1 when the channel is unlimited
	Remaining int          `json:"remaining"`
	Usage     *quota.Stats `json:"usage"`
}

// QuotaResponse is the response for GET /quota
type QuotaResponse struct {
	Global   *quota.Stats                      `json:"global"`
	Channels map[campaign.Channel]ChannelQuota `json:"channels"`
}

// handleQuota handles GET /api/v1/quota
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	resp := QuotaResponse{
		Global:   s.quotas.GlobalStats(),
		Channels: make(map[campaign.Channel]ChannelQuota, 2),
	}
	for _, ch := range []campaign.Channel{campaign.ChannelWhatsApp, campaign.ChannelEmail} {
		resp.Channels[ch] = ChannelQuota{
			Remaining: s.quotas.Remaining(ch),
			Usage:     s.quotas.Stats(ch),
		}
	}
	sendJSON(w, http.StatusOK, resp)
}
