// Package bus defines the per-room broadcast channel that fans events out to
// every process hosting sessions for a room.
package bus

import (
	"os"

	"codecollab-server/bus/local"
	natsbus "codecollab-server/bus/nats"
	"codecollab-server/core"

	"github.com/sirupsen/logrus"
)

// Bus is the cross-process fan-out channel. Delivery is at-most-once and
// best-effort: unordered across publishers, FIFO within one publisher's
// stream. Publish never blocks on subscriber processing and never fails the
// caller; transport errors are logged and the event dropped.
type Bus interface {
	Publish(roomID string, env core.Envelope)

	// Subscribe opens the room's channel subscription. It is idempotent: a
	// second subscribe for an already-subscribed room is a no-op.
	Subscribe(roomID string, fn func(core.Envelope))

	Unsubscribe(roomID string)
	Close()
}

// GetBus selects the bus from the environment: NATS when NATS_URL is set,
// otherwise the in-process bus (single-instance deployments).
func GetBus() Bus {
	url := os.Getenv("NATS_URL")
	if url == "" {
		logrus.Info("NATS_URL not set, using in-process bus")
		return local.New()
	}

	b, err := natsbus.New(url)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to NATS")
	}
	logrus.WithField("url", url).Info("Use NATS bus")
	return b
}
