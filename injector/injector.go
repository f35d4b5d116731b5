// Package injector supports sending OF messages that did not come from the
// SDN controller to a device. ofassay uses it to write its own FLOW_MOD
// messages into the message stream from the SDN controller without
// corrupting that stream.
//
// An Injector instance exists per each device connection and is
// associated with a device DPID in the API package.
package injector

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	of "github.com/netrack/openflow"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrStopped is returned when injecting into a stopped injector
var ErrStopped = errors.New("injector stopped")

// Used to pass header information from the header reader to the message
// processing loop
type tlvHeader struct {
	size   int64
	header of.Header
}

// Injector type
type Injector interface {
	SetDPID(uint64)
	GetDPID() uint64
	Inject([]byte) error
	Stop()
	Copy(io.Writer, io.Reader) (int64, error)
}

// OFDeviceInjector implementation of Injector for OpenFlow devices
type OFDeviceInjector struct {
	dpid            uint64
	controller      chan tlvHeader
	controllerError chan error
	injector        chan []byte
	headerReadWait  chan struct{}
	done            chan struct{}
	stopOnce        sync.Once
}

// NewOFDeviceInjector creates an Injector instance.
func NewOFDeviceInjector() *OFDeviceInjector {
	return &OFDeviceInjector{
		controller:      make(chan tlvHeader),
		controllerError: make(chan error, 1),
		injector:        make(chan []byte, 100),
		headerReadWait:  make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Reads OpenFlow headers from the src stream and passes them to the main
// loop, which copies the rest of the message. The reader waits after each
// header because both go routines operate on the same io.Reader.
func (i *OFDeviceInjector) readHeaders(src io.Reader) {
	var err error
	var tlv tlvHeader
	for {
		tlv.size, err = tlv.header.ReadFrom(src)
		if err != nil {
			select {
			case i.controllerError <- err:
			case <-i.done:
			}
			return
		}

		select {
		case i.controller <- tlv:
		case <-i.done:
			return
		}

		// Pause reading from controller, until rest of the message
		// is copied from the controller to the device
		select {
		case <-i.done:
			return
		case <-i.headerReadWait:
		}
	}
}

// Inject queues a complete OpenFlow message for the managed device
func (i *OFDeviceInjector) Inject(message []byte) error {
	select {
	case <-i.done:
		return ErrStopped
	default:
	}
	select {
	case i.injector <- message:
		return nil
	case <-i.done:
		return ErrStopped
	}
}

// SetDPID associates a DPID with an injector
func (i *OFDeviceInjector) SetDPID(dpid uint64) {
	atomic.StoreUint64(&i.dpid, dpid)
}

// GetDPID returns the associated DPID
func (i *OFDeviceInjector) GetDPID() uint64 {
	return atomic.LoadUint64(&i.dpid)
}

// Stop terminates the copy loop, it is safe to call more than once
func (i *OFDeviceInjector) Stop() {
	i.stopOnce.Do(func() {
		close(i.done)
	})
}

// Copy copies OpenFlow messages from the source (`src`) to the destination
// (`dst`), interleaving injected messages on message boundaries. It returns
// when the injector is stopped or either side fails, after which the
// injector is stopped and Inject fails.
func (i *OFDeviceInjector) Copy(dst io.Writer, src io.Reader) (int64, error) {
	var err error
	var n, written int64
	var tlv tlvHeader
	var message []byte

	defer i.Stop()
	go i.readHeaders(src)

	for {
		select {
		case <-i.done:
			return written, nil
		case tlv = <-i.controller:
			n, err = tlv.header.WriteTo(dst)
			written += n
			if err != nil {
				log.
					WithError(err).
					Error("Error while attempting to write header to device")
				return written, err
			}
			n, err = io.CopyN(dst, src, int64(tlv.header.Length)-tlv.size)
			written += n
			if err != nil {
				log.
					WithError(err).
					Error("Error while attempting to write message to device")
				return written, err
			}
			select {
			case i.headerReadWait <- struct{}{}:
			case <-i.done:
				return written, nil
			}
		case err = <-i.controllerError:
			log.
				WithError(err).
				Debug("Failed to read OpenFlow message header from controller")
			return written, err
		case message = <-i.injector:
			if log.GetLevel() >= log.DebugLevel {
				log.WithFields(log.Fields{
					"dpid":    fmt.Sprintf("0x%016x", i.GetDPID()),
					"message": fmt.Sprintf("%02x", message),
				}).Debug("Injecting message to device")
			}
			m, err := dst.Write(message)
			written += int64(m)
			if err != nil {
				log.
					WithFields(log.Fields{
						"dpid": fmt.Sprintf("0x%016x", i.GetDPID()),
					}).
					WithError(err).
					Error("Error while attempting to inject message to device")
				return written, err
			}
		}
	}
}
