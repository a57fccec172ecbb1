package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
)

type registerServiceRequest struct {
	UUID           string `json:"uuid"`
	PricePerMinute int64  `json:"price_per_minute"`
	EndTime        int64  `json:"end_time"`
}

func (s *Server) RegisterService(c *gin.Context) {
	var req registerServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.engineSvc.RegisterService(c.Request.Context(), marketdomain.RegisterServiceRequest{
		UUID:           strings.TrimSpace(req.UUID),
		PricePerMinute: req.PricePerMinute,
		EndTime:        req.EndTime,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListServices(c *gin.Context) {
	var query struct {
		Scope    string `form:"scope"`
		Provider string `form:"provider"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	if provider := strings.TrimSpace(query.Provider); provider != "" {
		resp, err := s.querySvc.GetServiceListByProvider(ctx, provider)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": resp})
		return
	}

	scope, ok := parseServiceScope(query.Scope)
	if !ok {
		AbortWithError(c, newValidationError("scope", "invalid_scope", "scope must be one of all, running, available"))
		return
	}

	var (
		resp []marketdomain.Service
		err  error
	)
	switch scope {
	case marketdomain.ServiceScopeAll:
		resp, err = s.querySvc.GetAllServiceList(ctx)
	case marketdomain.ServiceScopeAvailable:
		resp, err = s.querySvc.GetAvailableServiceList(ctx)
	default:
		resp, err = s.querySvc.GetServiceList(ctx)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetService(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.querySvc.GetService(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp == nil {
		AbortWithError(c, marketdomain.ErrServiceNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetServiceAvailability(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	available, err := s.querySvc.IsAvailableService(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"service_id": id,
		"available":  available,
	}})
}

func (s *Server) ListProviderServices(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("address"))
	resp, err := s.querySvc.GetServiceListByProvider(c.Request.Context(), provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetServiceByConsumer(c *gin.Context) {
	consumer := strings.TrimSpace(c.Param("address"))
	resp, err := s.querySvc.GetServiceByConsumer(c.Request.Context(), consumer)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A consumer without an active lease is not an error.
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetAdmin(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"admin_address": s.querySvc.GetAdminAddress(c.Request.Context()),
	}})
}
