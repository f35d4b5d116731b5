package flowmod

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/injector"
	"github.com/ciena/ofassay/metrics"
	"github.com/netrack/openflow/ofp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownDevice is returned when no injector is known for a DPID
var ErrUnknownDevice = errors.New("unknown device")

// Devices looks up the injector of a connected device
type Devices interface {
	Injector(dpid uint64) (injector.Injector, bool)
}

// Writer installs and uninstalls rules on devices. Writes are fire and
// forget, failures are logged and counted but never returned.
type Writer struct {
	devices Devices
	xid     uint32
}

// NewWriter creates a writer sending to the given devices
func NewWriter(devices Devices) *Writer {
	return &Writer{devices: devices}
}

// Install adds a rule to a table of a device
func (w *Writer) Install(dpid uint64, priority uint16, match criteria.Criteria, instructions Instructions, table uint8, cookie uint64) {
	fm, err := NewAdd(table, priority, cookie, match, instructions)
	if err == nil {
		err = w.send(dpid, fm)
	}
	fields := log.Fields{
		"dpid":     fmt.Sprintf("0x%016x", dpid),
		"table":    table,
		"priority": priority,
		"cookie":   fmt.Sprintf("0x%x", cookie),
		"match":    match.String(),
	}
	if err != nil {
		metrics.FlowErrors.Inc()
		log.
			WithFields(fields).
			WithError(err).
			Error("Unable to install rule")
		return
	}
	metrics.FlowInstalls.WithLabelValues(strconv.Itoa(int(table))).Inc()
	log.WithFields(fields).Debug("Installed rule")
}

// Uninstall removes the rules of a table of a device with the given cookie
// and match
func (w *Writer) Uninstall(dpid uint64, cookie uint64, table uint8, match criteria.Criteria) {
	fm, err := NewDelete(table, cookie, match)
	if err == nil {
		err = w.send(dpid, fm)
	}
	fields := log.Fields{
		"dpid":   fmt.Sprintf("0x%016x", dpid),
		"table":  table,
		"cookie": fmt.Sprintf("0x%x", cookie),
		"match":  match.String(),
	}
	if err != nil {
		metrics.FlowErrors.Inc()
		log.
			WithFields(fields).
			WithError(err).
			Error("Unable to uninstall rule")
		return
	}
	metrics.FlowUninstalls.WithLabelValues(strconv.Itoa(int(table))).Inc()
	log.WithFields(fields).Debug("Uninstalled rule")
}

func (w *Writer) send(dpid uint64, fm *ofp.FlowMod) error {
	inject, ok := w.devices.Injector(dpid)
	if !ok {
		return errors.Wrapf(ErrUnknownDevice, "0x%016x", dpid)
	}
	message, err := Marshal(atomic.AddUint32(&w.xid, 1), fm)
	if err != nil {
		return err
	}
	return inject.Inject(message)
}
