package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
)

type pageQuery struct {
	ServiceID string `form:"service_id"`
	PageToken string `form:"page_token"`
	PageSize  string `form:"page_size"`
}

func (s *Server) GetProviderLedger(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("address"))
	amount, err := s.querySvc.GetLedgerByProvider(c.Request.Context(), provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"provider_address": provider,
		"ledger":           amount,
	}})
}

func (s *Server) GetProviderEarned(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("address"))
	amount, err := s.querySvc.GetEarnedByProvider(c.Request.Context(), provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"provider_address": provider,
		"earned":           amount,
	}})
}

func (s *Server) GetAccruedPayAmount(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	amount, err := s.querySvc.GetAccruedPayAmount(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"service_id": id,
		"accrued":    amount,
	}})
}

func (s *Server) GetPayLog(c *gin.Context) {
	resp, err := s.querySvc.GetPayLog(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp == nil {
		AbortWithError(c, marketdomain.ErrPayLogNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListServicePayLogs(c *gin.Context) {
	resp, err := s.querySvc.GetPayLogsByService(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListServiceUsageHistory(c *gin.Context) {
	resp, err := s.querySvc.GetUsageHistoryByService(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListPayLogs(c *gin.Context) {
	var query pageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	pageSize, err := parsePageSize(query.PageSize)
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	resp, err := s.querySvc.ListPayLogs(c.Request.Context(), marketdomain.ListPayLogsRequest{
		ServiceID: strings.TrimSpace(query.ServiceID),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.PayLogs,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) ListUsageHistory(c *gin.Context) {
	var query pageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	pageSize, err := parsePageSize(query.PageSize)
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	resp, err := s.querySvc.ListUsageHistory(c.Request.Context(), marketdomain.ListUsageHistoryRequest{
		ServiceID: strings.TrimSpace(query.ServiceID),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.UsageHistoryLogs,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetPayLogReceipt(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	doc, err := s.receipts.LeaseReceipt(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `inline; filename="receipt-`+id+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", doc)
}
