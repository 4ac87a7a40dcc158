package model

import "github.com/CZERTAINLY/Courier/internal/bus"

func init() {
	bus.Register("fault", (*Fault)(nil))

	bus.Register("transfer.request", (*TransferRequest)(nil))
	bus.Register("transfer.status", (*TransferStatusQuery)(nil))
	bus.Register("transfer.cancel", (*CancelTransfer)(nil))
	bus.Register("transfer.complete", (*TransferComplete)(nil))
	bus.Register("transfer.failed", (*TransferFailed)(nil))

	bus.Register("namespace.resolve", (*NamespaceResolve)(nil))
	bus.Register("namespace.create", (*NamespaceCreate)(nil))
	bus.Register("namespace.delete", (*NamespaceDelete)(nil))
	bus.Register("namespace.checksum", (*NamespaceChecksum)(nil))
}
