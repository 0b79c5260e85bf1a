package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
)

type generateBillsRequest struct {
	ReadingIDs      []string                   `json:"reading_ids"`
	AggregationMode string                     `json:"aggregation_mode"`
	PriceOverrides  map[string]decimal.Decimal `json:"price_overrides"`
}

func (s *Server) GenerateBills(c *gin.Context) {
	var req generateBillsRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.GenerateBills(c.Request.Context(), billingdomain.GenerateRequest{
		ContractID:      strings.TrimSpace(c.Param("id")),
		ReadingIDs:      req.ReadingIDs,
		AggregationMode: strings.TrimSpace(req.AggregationMode),
		PriceOverrides:  req.PriceOverrides,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type recordPaymentRequest struct {
	ReceivedAmountDelta decimal.Decimal `json:"received_amount_delta"`
	PaymentMethod       string          `json:"payment_method"`
	PaidDate            *time.Time      `json:"paid_date"`
}

func (s *Server) RecordPayment(c *gin.Context) {
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	bill, err := s.billingSvc.RecordPayment(c.Request.Context(), billingdomain.PaymentRequest{
		BillID:              strings.TrimSpace(c.Param("id")),
		ReceivedAmountDelta: req.ReceivedAmountDelta,
		PaymentMethod:       strings.TrimSpace(req.PaymentMethod),
		PaidDate:            req.PaidDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bill})
}

func (s *Server) MarkBillProcessed(c *gin.Context) {
	bill, err := s.billingSvc.MarkProcessed(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bill})
}

func (s *Server) GetBillDetails(c *gin.Context) {
	view, err := s.billingSvc.QueryBillDetails(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) SweepOverdue(c *gin.Context) {
	resp, err := s.billingSvc.SweepOverdue(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
