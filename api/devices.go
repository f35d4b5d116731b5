package api

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ciena/ofassay/injector"
	log "github.com/sirupsen/logrus"
)

// MappingAction is a DPID mapping update
type MappingAction uint8

// DPID mapping actions
const (
	MapActionNone   MappingAction = 0x0
	MapActionAdd    MappingAction = 1 << 0
	MapActionDelete MappingAction = 1 << 1
)

func (a MappingAction) String() string {
	switch a {
	case MapActionAdd:
		return "add"
	case MapActionDelete:
		return "delete"
	default:
		return "none"
	}
}

// DPIDMapping is used to associate a DPID with an injecting packet processor
type DPIDMapping struct {
	Action MappingAction
	DPID   uint64
	Inject injector.Injector
}

// DeviceListener is told about every mapping that was applied
type DeviceListener func(mapping DPIDMapping)

// Devices maps DPIDs to the injectors of the device connections
type Devices struct {
	// Mapping updates sent here are applied by ListenForUpdates
	Listener chan DPIDMapping

	lock      sync.RWMutex
	injectors map[uint64]injector.Injector
	listeners []DeviceListener
}

// NewDevices creates an empty device mapping
func NewDevices() *Devices {
	return &Devices{
		Listener:  make(chan DPIDMapping),
		injectors: make(map[uint64]injector.Injector),
	}
}

// OnChange registers a listener called after each applied mapping update
func (d *Devices) OnChange(listener DeviceListener) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.listeners = append(d.listeners, listener)
}

// Injector returns the injector of a connected device
func (d *Devices) Injector(dpid uint64) (injector.Injector, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	inject, ok := d.injectors[dpid]
	return inject, ok
}

// DPIDs returns the known DPIDs in order
func (d *Devices) DPIDs() []uint64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	list := make([]uint64, 0, len(d.injectors))
	for dpid := range d.injectors {
		list = append(list, dpid)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Apply applies a mapping update. A delete only removes the mapping when it
// names the injector currently mapped, so the teardown of a replaced
// connection does not remove its successor. Listeners are only told about
// updates that changed the mapping.
func (d *Devices) Apply(mapping DPIDMapping) {
	d.lock.Lock()
	switch mapping.Action {
	case MapActionAdd:
		log.WithFields(log.Fields{
			"dpid": fmt.Sprintf("0x%016x", mapping.DPID),
		}).Debug("Adding device mapping")
		d.injectors[mapping.DPID] = mapping.Inject
	case MapActionDelete:
		current, ok := d.injectors[mapping.DPID]
		if !ok || (mapping.Inject != nil && current != mapping.Inject) {
			d.lock.Unlock()
			log.WithFields(log.Fields{
				"dpid": fmt.Sprintf("0x%016x", mapping.DPID),
			}).Debug("Ignoring delete of stale device mapping")
			return
		}
		log.WithFields(log.Fields{
			"dpid": fmt.Sprintf("0x%016x", mapping.DPID),
		}).Debug("Deleting device mapping")
		delete(d.injectors, mapping.DPID)
	default:
		d.lock.Unlock()
		log.WithFields(log.Fields{
			"dpid":   fmt.Sprintf("0x%016x", mapping.DPID),
			"action": mapping.Action,
		}).Warn("Received unknown device mapping action")
		return
	}
	listeners := append([]DeviceListener(nil), d.listeners...)
	d.lock.Unlock()

	for _, listener := range listeners {
		listener(mapping)
	}
}

// ListenForUpdates applies the mapping updates sent to the listener channel
// until it is closed
func (d *Devices) ListenForUpdates() {
	for mapping := range d.Listener {
		d.Apply(mapping)
	}
}
