package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
)

type payServiceRequest struct {
	UsageMinutes   int64 `json:"usage_minutes"`
	TransferAmount int64 `json:"transfer_amount"`
}

func (s *Server) PayService(c *gin.Context) {
	var req payServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.engineSvc.PayService(c.Request.Context(), marketdomain.PayServiceRequest{
		ServiceID:      strings.TrimSpace(c.Param("id")),
		UsageMinutes:   req.UsageMinutes,
		TransferAmount: req.TransferAmount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) StopUseService(c *gin.Context) {
	resp, err := s.engineSvc.StopUseService(c.Request.Context(), marketdomain.StopUseServiceRequest{
		ServiceID: strings.TrimSpace(c.Param("id")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) StopServiceEmergency(c *gin.Context) {
	resp, err := s.engineSvc.StopServiceEmergency(c.Request.Context(), marketdomain.StopServiceEmergencyRequest{
		ServiceID: strings.TrimSpace(c.Param("id")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
