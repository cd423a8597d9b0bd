package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drydock-sh/drydock/pkg/store"
)

func (s *Server) tokenStats(c *gin.Context) {
	stats, err := s.tokenStatsData(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) tokenStatsData(ctx context.Context) ([]store.TokenStat, error) {
	stats, err := s.store.TokenStats(ctx)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []store.TokenStat{}
	}
	return stats, nil
}

type costLine struct {
	store.TokenStat
	USDPer1KTokens float64 `json:"usd_per_1k_tokens"`
	CostUSD        float64 `json:"cost_usd"`
}

type costReportPayload struct {
	Models       []costLine `json:"models"`
	TotalCostUSD float64    `json:"total_cost_usd"`
}

// costReport applies the configured per-model cost multipliers to the token
// aggregates. Models without a configured rate report zero cost.
func (s *Server) costReport(c *gin.Context) {
	report, err := s.costReportData(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) costReportData(ctx context.Context) (*costReportPayload, error) {
	stats, err := s.tokenStatsData(ctx)
	if err != nil {
		return nil, err
	}

	report := &costReportPayload{Models: make([]costLine, 0, len(stats))}
	for _, st := range stats {
		rate := s.cfg.ModelCosts[st.ModelID]
		cost := float64(st.TotalTokens) / 1000 * rate
		report.Models = append(report.Models, costLine{
			TokenStat:      st,
			USDPer1KTokens: rate,
			CostUSD:        cost,
		})
		report.TotalCostUSD += cost
	}
	return report, nil
}
