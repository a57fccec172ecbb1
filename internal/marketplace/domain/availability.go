package domain

import (
	"context"

	"gorm.io/gorm"
)

// EvaluateAvailability applies the lease rules to a service and its most
// recent pay log. A lapsed lease that was never closed keeps the service
// unavailable until it is settled.
func EvaluateAvailability(service *Service, latest *PayLog, latestClosed bool, now int64) bool {
	if service == nil {
		return false
	}
	if service.Status == ServiceStatusStopped {
		return false
	}
	if service.EndTime < now {
		return false
	}
	if latest == nil {
		return true
	}
	if latestClosed {
		return true
	}
	if latest.DueTime > now {
		return false
	}
	return false
}

// IsServiceAvailable loads the records EvaluateAvailability needs.
func IsServiceAvailable(ctx context.Context, repo Repository, db *gorm.DB, serviceID string, now int64) (bool, error) {
	service, err := repo.FindService(ctx, db, serviceID)
	if err != nil {
		return false, err
	}
	if service == nil {
		return false, nil
	}
	latest, err := repo.LatestPayLog(ctx, db, serviceID)
	if err != nil {
		return false, err
	}
	closed := false
	if latest != nil {
		closure, err := repo.FindUsageHistoryByPayLog(ctx, db, latest.ID)
		if err != nil {
			return false, err
		}
		closed = closure != nil
	}
	return EvaluateAvailability(service, latest, closed, now), nil
}

// ActiveServiceForConsumer resolves the consumer pointer, returning nil when
// the service or its latest lease has lapsed.
func ActiveServiceForConsumer(ctx context.Context, repo Repository, db *gorm.DB, consumer string, now int64) (*Service, error) {
	lease, err := repo.FindConsumerLease(ctx, db, consumer)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}
	service, err := repo.FindService(ctx, db, lease.ServiceID)
	if err != nil {
		return nil, err
	}
	if service == nil {
		return nil, nil
	}
	latest, err := repo.LatestPayLog(ctx, db, service.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	if service.EndTime < now {
		return nil, nil
	}
	if latest.DueTime < now {
		return nil, nil
	}
	return service, nil
}
