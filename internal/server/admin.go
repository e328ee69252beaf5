package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ReloadPlans re-reads the plan catalog. An invalid file is rejected and the
// current catalog stays active.
func (s *Server) ReloadPlans(c *gin.Context) {
	if err := s.plans.Reload(); err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("plan catalog reloaded", zap.String("version", s.plans.Version()))

	c.JSON(http.StatusOK, gin.H{
		"version": s.plans.Version(),
		"plans":   s.plans.PlanIDs(),
	})
}
