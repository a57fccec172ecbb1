// Package domain holds the marketplace entities and the contracts of the
// engine, query layer and entity store.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ServiceStatus string

const (
	ServiceStatusRunning ServiceStatus = "RUNNING"
	ServiceStatusStopped ServiceStatus = "STOPPED"
)

// Service is a provider's time-bounded offering. Timestamps are host time in
// nanoseconds.
type Service struct {
	Seq             int64         `gorm:"not null;uniqueIndex:ux_services_seq" json:"-"`
	ID              string        `gorm:"primaryKey;type:text" json:"id"`
	UUID            string        `gorm:"type:text;not null" json:"uuid"`
	ProviderAddress string        `gorm:"type:text;not null;index:ix_services_provider" json:"provider_address"`
	PricePerMinute  int64         `gorm:"not null" json:"price_per_minute"`
	StartTime       int64         `gorm:"not null" json:"start_time"`
	EndTime         int64         `gorm:"not null" json:"end_time"`
	Status          ServiceStatus `gorm:"type:text;not null" json:"status"`
}

func (Service) TableName() string { return "services" }

// PayLog is one prepaid lease. PaidAmount is the amount held for the lease
// and only decreases when a refund is confirmed.
type PayLog struct {
	Seq             int64  `gorm:"not null;uniqueIndex:ux_pay_logs_seq" json:"-"`
	ID              string `gorm:"primaryKey;type:text" json:"id"`
	ConsumerAddress string `gorm:"type:text;not null;index:ix_pay_logs_consumer" json:"consumer_address"`
	ServiceID       string `gorm:"type:text;not null;index:ix_pay_logs_service" json:"service_id"`
	DueTime         int64  `gorm:"not null" json:"due_time"`
	CreatedAt       int64  `gorm:"not null;autoCreateTime:false" json:"created_at"`
	PaidMinutes     int64  `gorm:"not null" json:"paid_minutes"`
	PaidAmount      int64  `gorm:"not null" json:"paid_amount"`
}

func (PayLog) TableName() string { return "pay_logs" }

// UsageHistoryLog closes a PayLog. CreatedAt is wall time.
type UsageHistoryLog struct {
	Seq          int64     `gorm:"primaryKey;autoIncrement:false" json:"-"`
	ServiceID    string    `gorm:"type:text;not null;index:ix_usage_history_service" json:"service_id"`
	PayLogID     string    `gorm:"type:text;not null;uniqueIndex:ux_usage_history_pay_log" json:"pay_log_id"`
	UsageMinutes int64     `gorm:"not null" json:"usage_minutes"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
}

func (UsageHistoryLog) TableName() string { return "usage_history_logs" }

// ProviderBalance holds the amount owed to a provider. Earned is kept for
// future accrual and is never incremented today.
type ProviderBalance struct {
	ProviderAddress string `gorm:"primaryKey;type:text" json:"provider_address"`
	Ledger          int64  `gorm:"not null;default:0" json:"ledger"`
	Earned          int64  `gorm:"not null;default:0" json:"earned"`
}

func (ProviderBalance) TableName() string { return "provider_balances" }

// ConsumerLease points a consumer at the service they currently hold.
type ConsumerLease struct {
	ConsumerAddress string `gorm:"primaryKey;type:text" json:"consumer_address"`
	ServiceID       string `gorm:"type:text;not null" json:"service_id"`
	PayLogID        string `gorm:"type:text;not null" json:"pay_log_id"`
}

func (ConsumerLease) TableName() string { return "consumer_leases" }

type RefundKind string

const (
	// RefundKindOverpayment returns the part of a payment above the price.
	RefundKindOverpayment RefundKind = "overpayment"
	// RefundKindUnusedTime returns the unused minutes of a closed lease.
	RefundKindUnusedTime RefundKind = "unused_time"
)

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund tracks one outgoing transfer back to a consumer. Bookkeeping is
// applied only when the transfer is confirmed.
type Refund struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	Kind            RefundKind   `gorm:"type:text;not null" json:"kind"`
	ServiceID       string       `gorm:"type:text;not null" json:"service_id"`
	PayLogID        string       `gorm:"type:text;not null;index:ix_refunds_pay_log" json:"pay_log_id"`
	ConsumerAddress string       `gorm:"type:text;not null" json:"consumer_address"`
	Amount          int64        `gorm:"not null" json:"amount"`
	TransferID      string       `gorm:"type:text;not null;default:''" json:"transfer_id"`
	Status          RefundStatus `gorm:"type:text;not null;index:ix_refunds_status" json:"status"`
	FailureReason   string       `gorm:"type:text;not null;default:''" json:"failure_reason,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	SettledAt       *time.Time   `json:"settled_at,omitempty"`
}

func (Refund) TableName() string { return "refunds" }
