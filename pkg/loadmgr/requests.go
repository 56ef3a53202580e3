package loadmgr

import (
	"github.com/OpenVZ/vcmmd/pkg/ve"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

type reqKind int

const (
	reqRegister reqKind = iota
	reqActivate
	reqUpdate
	reqDeactivate
	reqUnregister
	reqShutdown
)

// request is one message on the worker's bounded FIFO queue. reply is
// the one-shot completion handle the submitting goroutine blocks on.
type request struct {
	kind   reqKind
	name   string
	veType ve.Type
	config veconfig.Config
	force  bool
	knobs  ve.Knobs

	reply chan result
}

type result struct {
	err error
}
