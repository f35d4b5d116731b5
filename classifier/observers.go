package classifier

import (
	"github.com/pkg/errors"
)

// ErrCallbackNotRegistered is returned when removing a callback id that was
// never added
var ErrCallbackNotRegistered = errors.New("callback not registered")

// Callback is invoked with a snapshot of the entry an event is about
type Callback func(entry Entry)

// observers is an ordered set of callbacks keyed by a caller chosen id.
// Dispatch always works on a snapshot, so callbacks removed while a dispatch
// is running still receive that dispatch.
type observers struct {
	ids       []string
	callbacks map[string]Callback
}

// add registers the callback, adding an id that is already registered is a
// no-op
func (o *observers) add(id string, cb Callback) {
	if o.callbacks == nil {
		o.callbacks = make(map[string]Callback)
	}
	if _, ok := o.callbacks[id]; ok {
		return
	}
	o.ids = append(o.ids, id)
	o.callbacks[id] = cb
}

func (o *observers) remove(id string) error {
	if _, ok := o.callbacks[id]; !ok {
		return errors.Wrapf(ErrCallbackNotRegistered, "'%s'", id)
	}
	delete(o.callbacks, id)
	for i, v := range o.ids {
		if v == id {
			o.ids = append(o.ids[:i:i], o.ids[i+1:]...)
			break
		}
	}
	return nil
}

func (o *observers) snapshot() []Callback {
	if len(o.ids) == 0 {
		return nil
	}
	cbs := make([]Callback, len(o.ids))
	for i, id := range o.ids {
		cbs[i] = o.callbacks[id]
	}
	return cbs
}

func (o *observers) len() int {
	return len(o.ids)
}
