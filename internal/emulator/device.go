package emulator

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/telegram"
)

// DeviceState is the per-module response mode.
type DeviceState int

const (
	StateNormal DeviceState = iota
	StateStorm
)

func (s DeviceState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateStorm:
		return "STORM"
	default:
		return "UNKNOWN"
	}
}

// Storm trigger: a read of this pseudo datapoint flips the module into
// Storm. It is not a real datapoint and never appears in replies.
const stormTriggerDatapoint = telegram.DataPoint(99)

// Reaction is what one device wants done with an inbound telegram: zero or
// more replies onto the bus, and optionally a storm burst.
type Reaction struct {
	Replies []telegram.Telegram
	Storm   bool
	// StormFrame is the frame to replicate during the burst.
	StormFrame []byte
}

// Device emulates one bus module: canned identity datapoints, writable
// configuration, outputs, an action table, and the storm failure mode.
// Multiple client connections can dispatch into the same device, so all
// state lives behind one mutex.
type Device struct {
	mu sync.Mutex

	serial     string
	name       string
	typeCode   telegram.ModuleType
	typeName   string
	link       int
	moduleNum  int
	swVersion  string
	hwVersion  string
	autoReport bool

	outputs []bool
	levels  []int

	table      telegram.ActionTable
	staged     map[int]string
	serializer telegram.ActionTableSerializer

	state     DeviceState
	blinking  bool
	errorCode string
	lastReply []byte

	// refused datapoints never answer, emulating mute firmware.
	refused map[telegram.DataPoint]bool

	voltage     string
	temperature string
}

// newDevice builds a device from a validated module record.
func newDevice(rec config.ModuleRecord) (*Device, error) {
	code, ok := rec.TypeCode()
	if !ok {
		code = telegram.ModuleTypeXP230
	}
	info, known := telegram.LookupModuleType(code)
	if !known {
		return nil, fmt.Errorf("module %q: unknown type code %d", rec.Name, int(code))
	}

	outputs := info.Outputs
	if outputs <= 0 || outputs > 8 {
		outputs = 4
	}

	d := &Device{
		serial:      rec.SerialNumber,
		name:        rec.Name,
		typeCode:    info.Code,
		typeName:    info.Name,
		swVersion:   rec.SWVersion,
		hwVersion:   rec.HWVersion,
		outputs:     make([]bool, outputs),
		levels:      make([]int, outputs),
		errorCode:   "00",
		refused:     make(map[telegram.DataPoint]bool),
		voltage:     "+23,4\xa7V",
		temperature: "+26,0\xa7C",
	}
	if rec.LinkNumber != nil {
		d.link = *rec.LinkNumber
	}
	if rec.ModuleNumber != nil {
		d.moduleNum = *rec.ModuleNumber
	}
	if rec.AutoReportStatus != "" {
		if v, err := telegram.DatapointAutoReport.ParseValue(rec.AutoReportStatus); err == nil {
			d.autoReport, _ = v.Parsed.(bool)
		}
	}
	if d.swVersion == "" {
		d.swVersion = d.typeName + "_V0.01.05"
	}
	if d.hwVersion == "" {
		d.hwVersion = d.typeName + "_HW1"
	}

	if ser, err := telegram.SerializerForModule(d.typeCode); err == nil {
		d.serializer = ser
	} else {
		d.serializer = telegram.StandardSerializer{}
	}

	if len(rec.ActionTable) > 0 {
		table, err := telegram.ParseActionTable(rec.ActionTable)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", rec.Name, err)
		}
		d.table = table
	}

	d.lastReply = telegram.NewDiscoverReply(d.serial).Frame
	return d, nil
}

// Serial returns the device serial number.
func (d *Device) Serial() string { return d.serial }

// Name returns the configured module name.
func (d *Device) Name() string { return d.name }

// State returns the current response mode.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetStorm forces the response mode, used by the admin surface.
func (d *Device) SetStorm(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.state = StateStorm
	} else {
		d.state = StateNormal
	}
}

// Refuse makes the device permanently silent on one datapoint.
func (d *Device) Refuse(dp telegram.DataPoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refused[dp] = true
}

// ActionTable returns a copy of the active table.
func (d *Device) ActionTable() telegram.ActionTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(telegram.ActionTable(nil), d.table...)
}

// Snapshot is the admin view of one device.
type Snapshot struct {
	Serial     string   `json:"serial_number"`
	Name       string   `json:"name"`
	ModuleType string   `json:"module_type"`
	TypeCode   int      `json:"module_type_code"`
	Link       int      `json:"link_number"`
	Module     int      `json:"module_number"`
	State      string   `json:"state"`
	Blinking   bool     `json:"blinking"`
	Outputs    []bool   `json:"outputs"`
	TableRows  int      `json:"action_table_rows"`
	SWVersion  string   `json:"sw_version"`
	HWVersion  string   `json:"hw_version"`
	AutoReport bool     `json:"auto_report"`
	Refused    []string `json:"refused_datapoints,omitempty"`
}

// Snapshot renders the device for the admin API.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	var refused []string
	for dp := range d.refused {
		refused = append(refused, dp.Code())
	}
	return Snapshot{
		Serial:     d.serial,
		Name:       d.name,
		ModuleType: d.typeName,
		TypeCode:   int(d.typeCode),
		Link:       d.link,
		Module:     d.moduleNum,
		State:      d.state.String(),
		Blinking:   d.blinking,
		Outputs:    append([]bool(nil), d.outputs...),
		TableRows:  len(d.table),
		SWVersion:  d.swVersion,
		HWVersion:  d.hwVersion,
		AutoReport: d.autoReport,
		Refused:    refused,
	}
}

// Respond runs one inbound system telegram through the device state
// machine.
func (d *Device) Respond(t telegram.Telegram) Reaction {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStorm {
		return d.respondStorm(t)
	}
	return d.respondNormal(t)
}

// respondStorm floods on everything except the error-code read that clears
// the condition.
func (d *Device) respondStorm(t telegram.Telegram) Reaction {
	if t.Function == telegram.FuncReadDatapoint && t.HasDatapoint &&
		t.Datapoint == telegram.DatapointModuleErrorCode {
		d.state = StateNormal
		// The clearing read reports the storm cause once; later reads
		// see a healthy module again.
		return d.reply(telegram.NewReplyTelegram(d.serial, telegram.FuncReadDatapoint,
			telegram.DatapointModuleErrorCode, "FE"))
	}
	return Reaction{Storm: true, StormFrame: append([]byte(nil), d.lastReply...)}
}

func (d *Device) respondNormal(t telegram.Telegram) Reaction {
	switch t.Function {
	case telegram.FuncDiscover:
		return d.reply(telegram.NewDiscoverReply(d.serial))

	case telegram.FuncReadDatapoint:
		if !t.HasDatapoint {
			return Reaction{}
		}
		if t.Datapoint == stormTriggerDatapoint {
			d.state = StateStorm
			return Reaction{Storm: true, StormFrame: append([]byte(nil), d.lastReply...)}
		}
		if d.refused[t.Datapoint] {
			return Reaction{}
		}
		return d.readDatapoint(t.Datapoint)

	case telegram.FuncWriteConfig:
		if !t.HasDatapoint {
			return Reaction{}
		}
		return d.writeConfig(t.Datapoint, t.Data)

	case telegram.FuncBlink:
		d.blinking = true
		return d.reply(telegram.NewAckReply(d.serial))

	case telegram.FuncUnblink:
		d.blinking = false
		return d.reply(telegram.NewAckReply(d.serial))

	case telegram.FuncReadActionTable:
		if !t.HasDatapoint {
			return Reaction{}
		}
		return d.readTableRow(int(t.Datapoint))

	default:
		return Reaction{}
	}
}

func (d *Device) readDatapoint(dp telegram.DataPoint) Reaction {
	var data string
	switch dp {
	case telegram.DatapointModuleTypeCode:
		data = fmt.Sprintf("%02d", int(d.typeCode))
	case telegram.DatapointModuleType:
		data = d.typeName
	case telegram.DatapointSoftwareVersion:
		data = d.swVersion
	case telegram.DatapointHardwareVersion:
		data = d.hwVersion
	case telegram.DatapointLinkNumber:
		data = fmt.Sprintf("%02d", d.link)
	case telegram.DatapointModuleNumber:
		data = fmt.Sprintf("%02d", d.moduleNum)
	case telegram.DatapointAutoReport:
		data = "00"
		if d.autoReport {
			data = "01"
		}
	case telegram.DatapointModuleErrorCode:
		data = d.errorCode
	case telegram.DatapointOutputState:
		data = renderOutputs(d.outputs)
	case telegram.DatapointLightLevel:
		data = renderLevels(d.levels)
	case telegram.DatapointVoltage:
		data = d.voltage
	case telegram.DatapointTemperature:
		data = d.temperature
	default:
		return Reaction{}
	}
	return d.reply(telegram.NewReplyTelegram(d.serial, telegram.FuncReadDatapoint, dp, data))
}

// writeConfig handles F04. The datapoint doubles as an action-table row
// index during uploads; row payloads are distinguished by their fixed
// serialized width.
func (d *Device) writeConfig(dp telegram.DataPoint, data string) Reaction {
	if len(data) == telegram.RowWidth {
		return d.writeTableRow(int(dp), data)
	}

	switch dp {
	case telegram.DatapointLinkNumber:
		n, err := strconv.Atoi(data)
		if err != nil {
			return Reaction{}
		}
		d.link = n
	case telegram.DatapointModuleNumber:
		n, err := strconv.Atoi(data)
		if err != nil {
			return Reaction{}
		}
		d.moduleNum = n
	case telegram.DatapointAutoReport:
		v, err := telegram.DatapointAutoReport.ParseValue(data)
		if err != nil {
			return Reaction{}
		}
		d.autoReport, _ = v.Parsed.(bool)
	case telegram.DatapointOutputState:
		// "{index:02d}{0|1}"
		if len(data) != 3 {
			return Reaction{}
		}
		idx, err := strconv.Atoi(data[:2])
		if err != nil || idx < 0 || idx >= len(d.outputs) {
			return Reaction{}
		}
		d.outputs[idx] = data[2] == '1'
	case telegram.DatapointLightLevel:
		// "{channel:02d}:{percent:03d}", channels 1-based as in replies
		if len(data) != 6 || data[2] != ':' {
			return Reaction{}
		}
		ch, err1 := strconv.Atoi(data[:2])
		pct, err2 := strconv.Atoi(data[3:])
		if err1 != nil || err2 != nil || ch < 1 || ch > len(d.levels) || pct > 100 {
			return Reaction{}
		}
		d.levels[ch-1] = pct
		d.outputs[ch-1] = pct > 0
	default:
		return Reaction{}
	}
	return d.reply(telegram.NewAckReply(d.serial))
}

// readTableRow serves a download. Rows come back one per request; the
// request past the last row gets the end-of-table reply carrying the
// CRC32-nibble over every serialized row.
func (d *Device) readTableRow(row int) Reaction {
	if row < 0 {
		return Reaction{}
	}
	if row < len(d.table) {
		encoded, err := d.serializer.EncodeRow(d.table[row])
		if err != nil {
			return Reaction{}
		}
		return d.reply(telegram.NewReplyTelegram(d.serial, telegram.FuncReadActionTable,
			telegram.DataPoint(row), encoded))
	}

	var all []byte
	for _, e := range d.table {
		if encoded, err := d.serializer.EncodeRow(e); err == nil {
			all = append(all, encoded...)
		}
	}
	return d.reply(telegram.NewEndOfTableReply(d.serial, telegram.CRC32Nibble(all)))
}

// writeTableRow stages an upload row. The terminator row commits the
// staged rows as the new table.
func (d *Device) writeTableRow(row int, data string) Reaction {
	if data == telegram.TerminatorRow {
		table := make(telegram.ActionTable, 0, len(d.staged))
		for i := 0; i < len(d.staged); i++ {
			raw, ok := d.staged[i]
			if !ok {
				break
			}
			e, err := d.serializer.DecodeRow(raw)
			if err != nil {
				d.staged = nil
				return Reaction{}
			}
			table = append(table, e)
		}
		d.table = table
		d.staged = nil
		return d.reply(telegram.NewAckReply(d.serial))
	}

	if d.staged == nil {
		d.staged = make(map[int]string)
	}
	d.staged[row] = data
	return d.reply(telegram.NewAckReply(d.serial))
}

// reply records the last normal reply for storm replication and wraps it
// in a reaction.
func (d *Device) reply(t telegram.Telegram) Reaction {
	d.lastReply = append([]byte(nil), t.Frame...)
	return Reaction{Replies: []telegram.Telegram{t}}
}

// renderOutputs emits the xxxxBBBB wire form, output 0 rightmost.
func renderOutputs(outputs []bool) string {
	b := []byte("xxxxxxxx")
	for i, on := range outputs {
		c := byte('0')
		if on {
			c = '1'
		}
		b[len(b)-1-i] = c
	}
	return string(b)
}

// renderLevels emits "CC:PPP%" segments joined by commas, channels 1-based.
func renderLevels(levels []int) string {
	out := make([]byte, 0, len(levels)*8)
	for i, pct := range levels {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, fmt.Sprintf("%02d:%03d%%", i+1, pct)...)
	}
	return string(out)
}
