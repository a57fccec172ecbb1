package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the host's notion of current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// New returns a Clock backed by the system time.
func New() Clock {
	return systemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(New),
)
