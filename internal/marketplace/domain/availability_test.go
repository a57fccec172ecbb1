package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateAvailability(t *testing.T) {
	const now = int64(1_000)
	running := &Service{ID: "alice_0", Status: ServiceStatusRunning, EndTime: 2_000}

	cases := []struct {
		name    string
		service *Service
		latest  *PayLog
		closed  bool
		want    bool
	}{
		{name: "missing service", service: nil, want: false},
		{name: "stopped", service: &Service{Status: ServiceStatusStopped, EndTime: 2_000}, want: false},
		{name: "ended", service: &Service{Status: ServiceStatusRunning, EndTime: 999}, want: false},
		{name: "end equals now", service: &Service{Status: ServiceStatusRunning, EndTime: now}, want: true},
		{name: "never leased", service: running, want: true},
		{name: "latest closed", service: running, latest: &PayLog{DueTime: 1_500}, closed: true, want: true},
		{name: "active lease", service: running, latest: &PayLog{DueTime: 1_500}, want: false},
		{name: "lapsed but open", service: running, latest: &PayLog{DueTime: 500}, want: false},
		{name: "due equals now", service: running, latest: &PayLog{DueTime: now}, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateAvailability(tc.service, tc.latest, tc.closed, now))
		})
	}
}

func TestRequestValidation(t *testing.T) {
	assert.ErrorIs(t, RegisterServiceRequest{PricePerMinute: 0}.Validate(), ErrInvalidPrice)
	assert.NoError(t, RegisterServiceRequest{PricePerMinute: 1}.Validate())

	assert.ErrorIs(t, PayServiceRequest{UsageMinutes: 1}.Validate(), ErrInvalidServiceID)
	assert.ErrorIs(t, PayServiceRequest{ServiceID: "a_0"}.Validate(), ErrInvalidUsageMinutes)
	assert.ErrorIs(t, PayServiceRequest{ServiceID: "a_0", UsageMinutes: 1, TransferAmount: -1}.Validate(), ErrInvalidAmount)
	assert.NoError(t, PayServiceRequest{ServiceID: "a_0", UsageMinutes: 1}.Validate())

	assert.ErrorIs(t, StopUseServiceRequest{ServiceID: " "}.Validate(), ErrInvalidServiceID)
	assert.ErrorIs(t, StopServiceEmergencyRequest{}.Validate(), ErrInvalidServiceID)

	assert.True(t, IsValidationError(ErrInvalidSchedule))
	assert.False(t, IsValidationError(ErrAlreadyLeased))
}
