package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
)

func (s *Server) ListInvoices(c *gin.Context) {
	invoices, err := s.billingSvc.Invoices(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if invoices == nil {
		invoices = []billingdomain.Invoice{}
	}

	c.JSON(http.StatusOK, listResponse[billingdomain.Invoice]{Data: invoices})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	if err := s.billingSvc.CancelSubscription(c.Request.Context(), c.Param("tenant_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
