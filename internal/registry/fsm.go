package registry

import (
	"github.com/devghori1264/aerophoenix/instanced/internal/adapter"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

// Next returns the status an instance in from moves to on ev, and whether
// the pairing state machine accepts ev at all.
//
//	initializing --pairing code--> qr_pending
//	qr_pending   --pairing code--> qr_pending (code replaced)
//	disconnected --pairing code--> qr_pending
//	initializing, qr_pending, disconnected --connected--> connected
//	connected    --connected--> connected (info refreshed)
//	connected    --disconnected--> disconnected
//
// Messages never change the status. Nothing leaves closed.
func Next(from models.Status, ev adapter.Event) (models.Status, bool) {
	if from == models.StatusClosed {
		return from, false
	}

	switch ev.Kind {
	case adapter.EventPairingCode:
		switch from {
		case models.StatusInitializing, models.StatusQRPending, models.StatusDisconnected:
			return models.StatusQRPending, true
		}
	case adapter.EventStatus:
		switch ev.Status {
		case adapter.StatusConnected:
			switch from {
			case models.StatusInitializing, models.StatusQRPending, models.StatusDisconnected, models.StatusConnected:
				return models.StatusConnected, true
			}
		case adapter.StatusDisconnected:
			if from == models.StatusConnected {
				return models.StatusDisconnected, true
			}
		}
	case adapter.EventMessage:
		return from, true
	}
	return from, false
}
