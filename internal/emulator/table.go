package emulator

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/telegram"
)

// DeviceTable holds the emulated modules keyed by serial number. The map
// itself is immutable after construction; mutable state lives inside each
// device.
type DeviceTable struct {
	log     *log.Logger
	devices map[string]*Device
	order   []string
}

// BuildTable constructs the emulated bus from a module list.
func BuildTable(list *config.ModuleList, logger *log.Logger) (*DeviceTable, error) {
	if logger == nil {
		logger = log.Default()
	}
	t := &DeviceTable{
		log:     logger.WithPrefix("devices"),
		devices: make(map[string]*Device, len(list.Modules)),
	}
	for _, rec := range list.Modules {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		d, err := newDevice(rec)
		if err != nil {
			return nil, err
		}
		if _, dup := t.devices[d.serial]; dup {
			return nil, fmt.Errorf("duplicate serial number %s", d.serial)
		}
		t.devices[d.serial] = d
		t.order = append(t.order, d.serial)
		t.log.Debug("module registered",
			"serial", d.serial, "type", d.typeName, "name", d.name)
	}
	return t, nil
}

// Lookup returns the device with the given serial.
func (t *DeviceTable) Lookup(serial string) (*Device, bool) {
	d, ok := t.devices[serial]
	return d, ok
}

// Devices returns the modules in configuration order.
func (t *DeviceTable) Devices() []*Device {
	out := make([]*Device, 0, len(t.order))
	for _, serial := range t.order {
		out = append(out, t.devices[serial])
	}
	return out
}

// Len returns the number of emulated modules.
func (t *DeviceTable) Len() int { return len(t.order) }

// Snapshots renders every device for the admin API, in configuration order.
func (t *DeviceTable) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(t.order))
	for _, serial := range t.order {
		out = append(out, t.devices[serial].Snapshot())
	}
	return out
}

// Dispatch routes one inbound telegram to its addressees. Broadcast frames
// reach every module, as they would on the shared bus; directed frames for
// unknown serials go unanswered. Only system telegrams are handled.
func (t *DeviceTable) Dispatch(tg telegram.Telegram) []Reaction {
	if !tg.IsSystem() {
		return nil
	}

	if tg.IsBroadcast() {
		var out []Reaction
		for _, serial := range t.order {
			r := t.devices[serial].Respond(tg)
			if len(r.Replies) > 0 || r.Storm {
				out = append(out, r)
			}
		}
		return out
	}

	d, ok := t.devices[tg.SerialNumber]
	if !ok {
		t.log.Debug("frame for unknown serial dropped", "serial", tg.SerialNumber)
		return nil
	}
	r := d.Respond(tg)
	if len(r.Replies) == 0 && !r.Storm {
		return nil
	}
	return []Reaction{r}
}
