package telegram

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrParseValue reports a datapoint value that does not match its declared
// shape. Parsing failures never abort the receive path; callers log and move
// on.
var ErrParseValue = errors.New("cannot parse datapoint value")

// DataPoint is the two-digit datapoint id in S/R telegrams.
type DataPoint int

const (
	DatapointModuleTypeCode  DataPoint = 0
	DatapointModuleType      DataPoint = 1
	DatapointSoftwareVersion DataPoint = 2
	DatapointHardwareVersion DataPoint = 3
	DatapointLinkNumber      DataPoint = 4
	DatapointModuleNumber    DataPoint = 5
	DatapointAutoReport      DataPoint = 6
	DatapointModuleErrorCode DataPoint = 10
	DatapointOutputState     DataPoint = 12
	DatapointLightLevel      DataPoint = 15
	DatapointVoltage         DataPoint = 17
	DatapointTemperature     DataPoint = 18
)

func (d DataPoint) String() string {
	if desc, ok := LookupDatapoint(d); ok {
		return desc.Name
	}
	return fmt.Sprintf("DP%02d", int(d))
}

// Code renders the datapoint as its two-digit wire form.
func (d DataPoint) Code() string {
	return fmt.Sprintf("%02d", int(d))
}

// Value is a decoded datapoint reading. Parsed holds the typed result
// ([]bool for output state, []ChannelLevel for light level, float64 for
// unit decimals, int for counters and error codes, bool for flags, string
// for opaque fields).
type Value struct {
	Raw    string `json:"raw"`
	Parsed any    `json:"parsed"`
	Unit   string `json:"unit,omitempty"`
}

// ChannelLevel is one dimmer channel reading in a LIGHT_LEVEL value.
type ChannelLevel struct {
	Channel int `json:"channel"`
	Percent int `json:"percent"`
}

// Descriptor describes one registry entry.
type Descriptor struct {
	ID       DataPoint
	Name     string
	Writable bool
	Parse    func(raw string) (Value, error)
}

var registry = map[DataPoint]Descriptor{
	DatapointModuleTypeCode:  {DatapointModuleTypeCode, "MODULE_TYPE_CODE", false, parseDecimalInt},
	DatapointModuleType:      {DatapointModuleType, "MODULE_TYPE", false, parseOpaque},
	DatapointSoftwareVersion: {DatapointSoftwareVersion, "SOFTWARE_VERSION", false, parseOpaque},
	DatapointHardwareVersion: {DatapointHardwareVersion, "HARDWARE_VERSION", false, parseOpaque},
	DatapointLinkNumber:      {DatapointLinkNumber, "LINK_NUMBER", true, parseDecimalInt},
	DatapointModuleNumber:    {DatapointModuleNumber, "MODULE_NUMBER", true, parseDecimalInt},
	DatapointAutoReport:      {DatapointAutoReport, "AUTO_REPORT", true, parseAutoReport},
	DatapointModuleErrorCode: {DatapointModuleErrorCode, "MODULE_ERROR_CODE", false, parseModuleErrorCode},
	DatapointOutputState:     {DatapointOutputState, "OUTPUT_STATE", true, parseOutputState},
	DatapointLightLevel:      {DatapointLightLevel, "LIGHT_LEVEL", true, parseLightLevel},
	DatapointVoltage:         {DatapointVoltage, "VOLTAGE", false, parseVoltage},
	DatapointTemperature:     {DatapointTemperature, "TEMPERATURE", false, parseTemperature},
}

// IdentityDatapoints are queried per discovered module when exporting the
// bus inventory.
var IdentityDatapoints = []DataPoint{
	DatapointModuleTypeCode,
	DatapointModuleType,
	DatapointLinkNumber,
	DatapointModuleNumber,
	DatapointSoftwareVersion,
	DatapointHardwareVersion,
	DatapointAutoReport,
}

// LookupDatapoint returns the descriptor for id.
func LookupDatapoint(id DataPoint) (Descriptor, bool) {
	d, ok := registry[id]
	return d, ok
}

// DatapointByName resolves a registry entry by its name, case-insensitively.
func DatapointByName(name string) (Descriptor, bool) {
	for _, d := range registry {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Datapoints returns every registry entry ordered by id.
func Datapoints() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseValue decodes raw according to the registry. Unknown datapoints fall
// back to an opaque string value so unregistered replies still surface.
func (d DataPoint) ParseValue(raw string) (Value, error) {
	desc, ok := registry[d]
	if !ok {
		return Value{Raw: raw, Parsed: raw}, nil
	}
	return desc.Parse(raw)
}

// ============================================================================
// VALUE PARSERS
// ============================================================================

// sectionSign delimits unit markers in reply data (Latin-1 0xA7).
const sectionSign = 0xA7

func parseOpaque(raw string) (Value, error) {
	return Value{Raw: raw, Parsed: raw}, nil
}

func parseDecimalInt(raw string) (Value, error) {
	if !isDigits(raw) {
		return Value{}, fmt.Errorf("%w: %q is not a decimal number", ErrParseValue, raw)
	}
	n, _ := strconv.Atoi(raw)
	return Value{Raw: raw, Parsed: n}, nil
}

func parseAutoReport(raw string) (Value, error) {
	switch strings.ToUpper(raw) {
	case "00", "0", "OFF":
		return Value{Raw: raw, Parsed: false}, nil
	case "01", "1", "ON":
		return Value{Raw: raw, Parsed: true}, nil
	default:
		return Value{}, fmt.Errorf("%w: auto-report flag %q", ErrParseValue, raw)
	}
}

// parseModuleErrorCode reads the two uppercase hex digits; 0x00 is healthy.
func parseModuleErrorCode(raw string) (Value, error) {
	if len(raw) != 2 || !isUpperHex(raw) {
		return Value{}, fmt.Errorf("%w: error code %q is not two hex digits", ErrParseValue, raw)
	}
	n, _ := strconv.ParseUint(raw, 16, 8)
	return Value{Raw: raw, Parsed: int(n)}, nil
}

// parseOutputState reads the xxxxBBBB form: leading x placeholders, then one
// 0/1 per output. Output 0 is the rightmost bit.
func parseOutputState(raw string) (Value, error) {
	i := 0
	for i < len(raw) && (raw[i] == 'x' || raw[i] == 'X') {
		i++
	}
	bits := raw[i:]
	if bits == "" || len(bits) > 8 {
		return Value{}, fmt.Errorf("%w: output state %q", ErrParseValue, raw)
	}

	outputs := make([]bool, len(bits))
	for j := range bits {
		switch bits[len(bits)-1-j] {
		case '1':
			outputs[j] = true
		case '0':
			outputs[j] = false
		default:
			return Value{}, fmt.Errorf("%w: output state %q has non-binary digit", ErrParseValue, raw)
		}
	}
	return Value{Raw: raw, Parsed: outputs}, nil
}

// parseLightLevel reads "NN:PPP[%]" pairs separated by commas.
func parseLightLevel(raw string) (Value, error) {
	parts := strings.Split(raw, ",")
	levels := make([]ChannelLevel, 0, len(parts))
	for _, p := range parts {
		chs, ps, ok := strings.Cut(p, ":")
		if !ok {
			return Value{}, fmt.Errorf("%w: light level segment %q", ErrParseValue, p)
		}
		ps = strings.TrimSuffix(ps, "%")
		if !isDigits(chs) || !isDigits(ps) {
			return Value{}, fmt.Errorf("%w: light level segment %q", ErrParseValue, p)
		}
		ch, _ := strconv.Atoi(chs)
		pct, _ := strconv.Atoi(ps)
		levels = append(levels, ChannelLevel{Channel: ch, Percent: pct})
	}
	return Value{Raw: raw, Parsed: levels, Unit: "%"}, nil
}

func parseVoltage(raw string) (Value, error) {
	return parseUnitDecimal(raw, 'V', "V")
}

func parseTemperature(raw string) (Value, error) {
	return parseUnitDecimal(raw, 'C', "C")
}

// parseUnitDecimal reads the "+DD,D§U" form: signed decimal with a comma
// separator, terminated by the section sign and a unit letter.
func parseUnitDecimal(raw string, unitChar byte, unit string) (Value, error) {
	b := []byte(raw)
	if len(b) < 3 || b[len(b)-2] != sectionSign || b[len(b)-1] != unitChar {
		return Value{}, fmt.Errorf("%w: missing %s unit marker in %q", ErrParseValue, unit, DecodeLatin1(b))
	}
	num := strings.ReplaceAll(string(b[:len(b)-2]), ",", ".")
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %q is not a decimal", ErrParseValue, DecodeLatin1(b))
	}
	return Value{Raw: raw, Parsed: f, Unit: unit}, nil
}

func isUpperHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
