package events

import (
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/events/bus"
)

// Provide builds the in-process event bus used to fan lifecycle events out
// to the streaming bridge, router, and control plane. The supervisor's
// event fan-out is explicitly in-process (spec: no distributed broker), so
// unlike the teacher there is no NATS alternative to select here.
func Provide(log *logger.Logger) *bus.MemoryEventBus {
	return bus.NewMemoryEventBus(log)
}
