// Package notify carries characteristic push events from the transport to any
// number of observers. Delivery is lossy under backpressure: producers never block
// and a slow observer loses its oldest events.
package notify

import (
	"bytes"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Notification is one value pushed by the peripheral.
type Notification struct {
	CharacteristicID string
	Payload          []byte
	Seq              uint64 // per-stream sequence; gaps seen by a subscriber mean it dropped events
	ReceivedAt       time.Time
}

// Stream stamps incoming push events and broadcasts them.
type Stream struct {
	b      *Broadcaster[Notification]
	seq    atomic.Uint64
	now    func() time.Time
	logger *logrus.Entry
}

// NewStream creates a stream whose subscribers buffer up to capacity notifications.
func NewStream(capacity int, logger *logrus.Logger) *Stream {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stream{
		b:      NewBroadcaster[Notification]("notifications", capacity, logger),
		now:    time.Now,
		logger: logger.WithField("component", "notify"),
	}
}

// Publish records a push event for charID. The payload is copied.
func (s *Stream) Publish(charID string, payload []byte) {
	n := Notification{
		CharacteristicID: charID,
		Payload:          bytes.Clone(payload),
		Seq:              s.seq.Add(1),
		ReceivedAt:       s.now(),
	}

	if s.logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		s.logger.WithFields(logrus.Fields{
			"char_uuid": charID,
			"seq":       n.Seq,
			"payload":   hex.EncodeToString(n.Payload),
		}).Debug("Notification received")
	}

	s.b.Publish(n)
}

// Subscribe returns a subscription receiving every notification published after this call.
func (s *Stream) Subscribe() *Subscription[Notification] {
	return s.b.Subscribe()
}

// Published returns the number of notifications seen by the stream.
func (s *Stream) Published() uint64 {
	return s.seq.Load()
}

// Close closes all subscriptions.
func (s *Stream) Close() {
	s.b.Close()
}
