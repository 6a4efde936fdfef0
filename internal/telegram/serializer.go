package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// TerminatorRow marks the end of a table in download replies from devices
// that do not send the F12 end-of-table function.
const TerminatorRow = "999999999999"

// RowWidth is the serialized width of one table row. Both the decimal and
// the nibble formats occupy twelve characters on the wire.
const RowWidth = 12

// ActionTableSerializer converts between wire rows and typed entries. The
// standard serializer handles the decimal row format every module understands;
// the XP20/XP24/XP33 variants handle the family-specific nibble format used
// by the module-specific download.
type ActionTableSerializer interface {
	Name() string
	EncodeRow(e ActionTableEntry) (string, error)
	DecodeRow(raw string) (ActionTableEntry, error)
}

// ============================================================================
// STANDARD DECIMAL ROWS
// ============================================================================

// StandardSerializer encodes rows as twelve decimal digits:
// {mt:02}{link:02}{input:02}{output:02}{action:02}{param:02}.
type StandardSerializer struct{}

func (StandardSerializer) Name() string { return "standard" }

func (StandardSerializer) EncodeRow(e ActionTableEntry) (string, error) {
	fields := []int{
		int(e.SourceModuleType), e.SourceLink, e.SourceInput,
		e.TargetOutput, int(e.Action), e.Param,
	}
	for _, f := range fields {
		if f < 0 || f > 99 {
			return "", fmt.Errorf("%w: field %d out of range for decimal row", ErrBadActionTable, f)
		}
	}
	return fmt.Sprintf("%02d%02d%02d%02d%02d%02d",
		fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]), nil
}

func (StandardSerializer) DecodeRow(raw string) (ActionTableEntry, error) {
	if len(raw) != 12 || !isDigits(raw) {
		return ActionTableEntry{}, fmt.Errorf("%w: row %q is not twelve decimal digits", ErrBadActionTable, raw)
	}

	field := func(i int) int {
		n, _ := strconv.Atoi(raw[i*2 : i*2+2])
		return n
	}
	e := ActionTableEntry{
		SourceModuleType: ModuleType(field(0)),
		SourceLink:       field(1),
		SourceInput:      field(2),
		TargetOutput:     field(3),
		Action:           Action(field(4)),
		Param:            field(5),
	}
	e.HasParam = e.Param != 0
	return e, nil
}

// ============================================================================
// MODULE-SPECIFIC NIBBLE ROWS
// ============================================================================

// msRowCodec is the shared binary row form of the family serializers: six
// bytes {mt, link, input, output, action, param}, each nibble-encoded to a
// letter pair.
type msRowCodec struct{}

func (msRowCodec) encode(e ActionTableEntry) (string, error) {
	fields := []int{
		int(e.SourceModuleType), e.SourceLink, e.SourceInput,
		e.TargetOutput, int(e.Action), e.Param,
	}
	var b strings.Builder
	for _, f := range fields {
		if f < 0 || f > 255 {
			return "", fmt.Errorf("%w: field %d out of byte range", ErrBadActionTable, f)
		}
		b.WriteString(Nibble(byte(f)))
	}
	return b.String(), nil
}

func (msRowCodec) decode(raw string) (ActionTableEntry, error) {
	if len(raw) != 12 {
		return ActionTableEntry{}, fmt.Errorf("%w: nibble row %q must be twelve letters", ErrBadActionTable, raw)
	}

	var fields [6]byte
	for i := range fields {
		b, err := DeNibble(raw[i*2 : i*2+2])
		if err != nil {
			return ActionTableEntry{}, fmt.Errorf("%w: nibble row %q", ErrBadActionTable, raw)
		}
		fields[i] = b
	}
	e := ActionTableEntry{
		SourceModuleType: ModuleType(fields[0]),
		SourceLink:       int(fields[1]),
		SourceInput:      int(fields[2]),
		TargetOutput:     int(fields[3]),
		Action:           Action(fields[4]),
		Param:            int(fields[5]),
	}
	e.HasParam = e.Param != 0
	return e, nil
}

// XP20Serializer decodes panel-family tables: eight source inputs mapped to
// key slots, no parameter.
type XP20Serializer struct{ msRowCodec }

func (XP20Serializer) Name() string { return "XP20" }

func (s XP20Serializer) EncodeRow(e ActionTableEntry) (string, error) {
	if err := s.validate(e); err != nil {
		return "", err
	}
	return s.encode(e)
}

func (s XP20Serializer) DecodeRow(raw string) (ActionTableEntry, error) {
	e, err := s.decode(raw)
	if err != nil {
		return ActionTableEntry{}, err
	}
	return e, s.validate(e)
}

func (XP20Serializer) validate(e ActionTableEntry) error {
	if e.SourceInput > 7 {
		return fmt.Errorf("%w: XP20 input %d out of range", ErrBadActionTable, e.SourceInput)
	}
	if e.TargetOutput > 7 {
		return fmt.Errorf("%w: XP20 key slot %d out of range", ErrBadActionTable, e.TargetOutput)
	}
	return nil
}

// XP24Serializer decodes relay-family tables: four outputs, parameter is the
// relay timer in seconds.
type XP24Serializer struct{ msRowCodec }

func (XP24Serializer) Name() string { return "XP24" }

func (s XP24Serializer) EncodeRow(e ActionTableEntry) (string, error) {
	if err := s.validate(e); err != nil {
		return "", err
	}
	return s.encode(e)
}

func (s XP24Serializer) DecodeRow(raw string) (ActionTableEntry, error) {
	e, err := s.decode(raw)
	if err != nil {
		return ActionTableEntry{}, err
	}
	return e, s.validate(e)
}

func (XP24Serializer) validate(e ActionTableEntry) error {
	if e.TargetOutput > 3 {
		return fmt.Errorf("%w: XP24 output %d out of range", ErrBadActionTable, e.TargetOutput)
	}
	return nil
}

// XP33Serializer decodes dimmer-family tables: three channels, parameter is
// a level percentage.
type XP33Serializer struct{ msRowCodec }

func (XP33Serializer) Name() string { return "XP33" }

func (s XP33Serializer) EncodeRow(e ActionTableEntry) (string, error) {
	if err := s.validate(e); err != nil {
		return "", err
	}
	return s.encode(e)
}

func (s XP33Serializer) DecodeRow(raw string) (ActionTableEntry, error) {
	e, err := s.decode(raw)
	if err != nil {
		return ActionTableEntry{}, err
	}
	return e, s.validate(e)
}

func (XP33Serializer) validate(e ActionTableEntry) error {
	if e.TargetOutput > 2 {
		return fmt.Errorf("%w: XP33 channel %d out of range", ErrBadActionTable, e.TargetOutput)
	}
	if e.HasParam && e.Param > 100 {
		return fmt.Errorf("%w: XP33 level %d out of range", ErrBadActionTable, e.Param)
	}
	return nil
}

// SerializerForModuleName picks the family variant from a MODULE_TYPE reply.
// Matching is by name prefix so firmware-suffixed values resolve too.
func SerializerForModuleName(name string) (ActionTableSerializer, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(name, "XP24"):
		return XP24Serializer{}, nil
	case strings.HasPrefix(name, "XP33"), strings.HasPrefix(name, "XP31"):
		return XP33Serializer{}, nil
	case strings.HasPrefix(name, "XP20"), strings.HasPrefix(name, "CP20"),
		strings.HasPrefix(name, "XP26"), strings.HasPrefix(name, "XPX1"):
		return XP20Serializer{}, nil
	}
	return nil, fmt.Errorf("%w: no serializer for module %q", ErrBadActionTable, name)
}

// SerializerForModule picks the family variant from a module-type code.
func SerializerForModule(code ModuleType) (ActionTableSerializer, error) {
	info, ok := LookupModuleType(code)
	if !ok {
		return nil, fmt.Errorf("%w: unknown module type %d", ErrBadActionTable, int(code))
	}
	return SerializerForModuleName(info.Name)
}
