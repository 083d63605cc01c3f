package worker

import (
	"go-meshcore-gateway/app/models"
	"go-meshcore-gateway/app/shared"
)

// Publisher fans emitted messages out to other systems.
type Publisher interface {
	Publish(msg models.Message)
}

// Archive persists messages and RX-log entries.
type Archive interface {
	AddMessage(msg models.Message)
	AddRxLog(entry models.RxLogEntry)
}

// sink feeds the shared store first; the archive and the publisher only
// see messages the store accepted.
type sink struct {
	store   *shared.Store
	archive Archive
	pub     Publisher
}

func (s *sink) AddMessage(msg models.Message) {
	if !s.store.AddMessage(msg) {
		return
	}
	if s.archive != nil {
		s.archive.AddMessage(msg)
	}
	if s.pub != nil {
		s.pub.Publish(msg)
	}
}

func (s *sink) AddRxLog(entry models.RxLogEntry) {
	s.store.AddRxLog(entry)
	if s.archive != nil {
		s.archive.AddRxLog(entry)
	}
}
