package device

import (
	"context"
	"time"

	"github.com/vmattach/vmattach/pkg/logflags"
)

// DefaultWatchdogInterval is the poll interval of Watch.
const DefaultWatchdogInterval = time.Second

// Snapshotter is implemented by Bridge.
type Snapshotter interface {
	Snapshot() (Snapshot, error)
}

// Watch logs the negotiation state of the device every interval until the
// selected queue is ready, ctx is cancelled or the device is closed.
// Problems are logged, never returned.
func Watch(ctx context.Context, dev Snapshotter, interval time.Duration, log logflags.Logger) {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debugf("watchdog cancelled")
			return
		case <-timer.C:
		}

		s, err := dev.Snapshot()
		if err != nil {
			log.Warnf("watchdog stopped: %v", err)
			return
		}
		if s.QueueReady {
			log.Infof("device queue ready")
			return
		}
		log.Info("")
		log.Infof("dev type %d", s.DeviceType)
		log.Infof("dev features b%b", s.Features)
		log.Infof("dev interrupt stat b%b", s.InterruptStatus)
		log.Infof("dev status b%b", s.Status)
		log.Infof("dev config gen %d", s.ConfigGeneration)
		log.Infof("dev selqueue max size %d", s.QueueMaxSize)
		log.Infof("dev selqueue ready %v", s.QueueReady)
		timer.Reset(interval)
	}
}
