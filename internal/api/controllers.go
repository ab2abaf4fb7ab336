package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mirror-core/pkg/db"
)

// getStatus reports process health: heartbeat, kill switch, exposure totals
// and the last reconciliation time.
func (s *Server) getStatus(c *gin.Context) {
	ctx := c.Request.Context()

	st, err := s.DB.GetSystemStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	exposure, err := s.DB.OpenExposure(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	resp := gin.H{
		"venue":              s.Meta.Venue,
		"version":            s.Meta.Version,
		"kill_switch":        st.KillSwitch,
		"started_at":         st.StartedAt,
		"last_venue_contact": st.LastVenueContact,
		"last_order_time":    st.LastOrderTime,
		"exposure_total":     exposure.Total,
		"exposure_by_coin":   exposure.ByCoin,
	}
	if s.Recon != nil {
		resp["last_reconcile"] = s.Recon.LastRun()
	}
	c.JSON(http.StatusOK, resp)
}

// getAccounts lists all configured pairs, disabled ones included. Signing
// key ids never leave the process.
func (s *Server) getAccounts(c *gin.Context) {
	accounts, err := s.Reg.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"source_id":      a.SourceID,
			"source_wallet":  a.SourceWallet,
			"label":          a.Label,
			"mirror_wallet":  a.MirrorWallet,
			"enabled":        a.Enabled,
			"leverage":       a.Leverage,
			"allocation_cap": a.AllocationCap,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) getRiskConfig(c *gin.Context) {
	cfg, err := s.DB.GetRiskConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getExposure(c *gin.Context) {
	exposure, err := s.DB.OpenExposure(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":   exposure.Total,
		"by_coin": exposure.ByCoin,
	})
}

// updateRiskConfig replaces the risk configuration. The decision cache is
// invalidated so the next event sees the new limits.
func (s *Server) updateRiskConfig(c *gin.Context) {
	var req struct {
		Mode           string              `json:"mode"`
		GlobalCap      *float64            `json:"global_cap"`
		CoinCaps       map[string]*float64 `json:"coin_caps"`
		DailyLossLimit *float64            `json:"daily_loss_limit"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Mode != db.ModeSimulation && req.Mode != db.ModeLive {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_MODE",
			"error": "mode must be simulation or live",
		})
		return
	}
	if req.GlobalCap != nil && *req.GlobalCap <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_CAP",
			"error": "global_cap must be positive",
		})
		return
	}

	ctx := c.Request.Context()
	current, err := s.DB.GetRiskConfig(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	cfg := db.RiskConfig{
		Mode:           req.Mode,
		GlobalCap:      req.GlobalCap,
		CoinCaps:       req.CoinCaps,
		DailyLossLimit: req.DailyLossLimit,
		KillSwitch:     current.KillSwitch, // only the killswitch endpoint flips this
		KillSwitchAt:   current.KillSwitchAt,
	}
	if err := s.DB.UpdateRiskConfig(ctx, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	s.Cache.Invalidate()
	log.Printf("api: risk config updated by %s (mode=%s)", CurrentOperatorID(c), req.Mode)

	c.JSON(http.StatusOK, cfg)
}

// setKillSwitch flips the kill switch on or off.
func (s *Server) setKillSwitch(c *gin.Context) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := c.BindJSON(&req); err != nil || req.Active == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "active (bool) is required",
		})
		return
	}

	if err := s.DB.SetKillSwitch(c.Request.Context(), *req.Active); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	s.Cache.Invalidate()
	log.Printf("api: kill switch set to %v by %s", *req.Active, CurrentOperatorID(c))

	c.JSON(http.StatusOK, gin.H{
		"kill_switch": *req.Active,
		"at":          time.Now().UTC(),
	})
}
