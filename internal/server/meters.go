package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
)

func (s *Server) CreateMeter(c *gin.Context) {
	var req meterdomain.CreateMeterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	meter, err := s.meterSvc.CreateMeter(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": meter})
}

func (s *Server) RemoveMeter(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.meterSvc.RemoveMeter(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

type recordReadingRequest struct {
	ContractID      string           `json:"contract_id"`
	PreviousReading *decimal.Decimal `json:"previous_reading"`
	CurrentReading  decimal.Decimal  `json:"current_reading"`
	UnitPrice       *decimal.Decimal `json:"unit_price"`
	ReadingDate     time.Time        `json:"reading_date"`
	Period          string           `json:"period"`
	AutoBill        bool             `json:"auto_bill"`
}

func (s *Server) RecordReading(c *gin.Context) {
	var req recordReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.meterSvc.RecordReading(c.Request.Context(), meterdomain.RecordReadingRequest{
		MeterID:         strings.TrimSpace(c.Param("id")),
		ContractID:      strings.TrimSpace(req.ContractID),
		PreviousReading: req.PreviousReading,
		CurrentReading:  req.CurrentReading,
		UnitPrice:       req.UnitPrice,
		ReadingDate:     req.ReadingDate,
		Period:          strings.TrimSpace(req.Period),
		AutoBill:        req.AutoBill,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

type updateReadingRequest struct {
	PreviousReading *decimal.Decimal `json:"previous_reading"`
	CurrentReading  *decimal.Decimal `json:"current_reading"`
	UnitPrice       *decimal.Decimal `json:"unit_price"`
	ReadingDate     *time.Time       `json:"reading_date"`
}

func (s *Server) UpdateReading(c *gin.Context) {
	var req updateReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reading, err := s.meterSvc.UpdateReading(c.Request.Context(), meterdomain.UpdateReadingRequest{
		ID:              strings.TrimSpace(c.Param("id")),
		PreviousReading: req.PreviousReading,
		CurrentReading:  req.CurrentReading,
		UnitPrice:       req.UnitPrice,
		ReadingDate:     req.ReadingDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reading})
}

func (s *Server) DeleteReading(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.meterSvc.DeleteReading(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type usageStatsQuery struct {
	MeterType string `form:"meter_type"`
	RoomID    string `form:"room_id"`
	From      string `form:"from"`
	To        string `form:"to"`
}

func (s *Server) GetUsageStats(c *gin.Context) {
	var query usageStatsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	roomID, err := parseOptionalSnowflakeID(query.RoomID)
	if err != nil {
		AbortWithError(c, newValidationError("room_id", err, "invalid room_id"))
		return
	}
	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", err, "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", err, "invalid to"))
		return
	}

	stats, err := s.meterSvc.UsageStats(c.Request.Context(), meterdomain.StatsFilter{
		MeterType: meterdomain.MeterType(query.MeterType),
		RoomID:    roomID,
		From:      from,
		To:        to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}
