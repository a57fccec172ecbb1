package domain

import (
	"strings"

	"github.com/smallbiznis/minutely/pkg/db/pagination"
)

type RegisterServiceRequest struct {
	UUID           string `json:"uuid"`
	PricePerMinute int64  `json:"price_per_minute"`
	EndTime        int64  `json:"end_time"`
}

func (r RegisterServiceRequest) Validate() error {
	if r.PricePerMinute <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

// PayServiceRequest opens a lease. TransferAmount is the deposit attached to
// the call.
type PayServiceRequest struct {
	ServiceID      string `json:"service_id"`
	UsageMinutes   int64  `json:"usage_minutes"`
	TransferAmount int64  `json:"transfer_amount"`
}

func (r PayServiceRequest) Validate() error {
	if strings.TrimSpace(r.ServiceID) == "" {
		return ErrInvalidServiceID
	}
	if r.UsageMinutes <= 0 {
		return ErrInvalidUsageMinutes
	}
	if r.TransferAmount < 0 {
		return ErrInvalidAmount
	}
	return nil
}

type StopUseServiceRequest struct {
	ServiceID string `json:"service_id"`
}

func (r StopUseServiceRequest) Validate() error {
	if strings.TrimSpace(r.ServiceID) == "" {
		return ErrInvalidServiceID
	}
	return nil
}

type StopServiceEmergencyRequest struct {
	ServiceID string `json:"service_id"`
}

func (r StopServiceEmergencyRequest) Validate() error {
	if strings.TrimSpace(r.ServiceID) == "" {
		return ErrInvalidServiceID
	}
	return nil
}

type ServiceScope string

const (
	ServiceScopeAll       ServiceScope = "all"
	ServiceScopeRunning   ServiceScope = "running"
	ServiceScopeAvailable ServiceScope = "available"
)

type ListPayLogsRequest struct {
	ServiceID string `json:"service_id"`
	PageToken string `json:"page_token"`
	PageSize  int32  `json:"page_size"`
}

type ListPayLogsResponse struct {
	pagination.PageInfo
	PayLogs []PayLog `json:"pay_logs"`
}

type ListUsageHistoryRequest struct {
	ServiceID string `json:"service_id"`
	PageToken string `json:"page_token"`
	PageSize  int32  `json:"page_size"`
}

type ListUsageHistoryResponse struct {
	pagination.PageInfo
	UsageHistoryLogs []UsageHistoryLog `json:"usage_history_logs"`
}
