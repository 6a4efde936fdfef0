// Package telegram implements the wire codec for the Conson XP field bus:
// frame parsing and emission, the XOR-nibble and CRC32-nibble checksums, and
// the registries for datapoints, system functions, module types, and
// action-table entries.
//
// On the wire a telegram is '<' payload checksum '>' where the checksum is
// the XOR of the payload bytes encoded as two letters A..P. Payloads are
// Latin-1: reply data may carry bytes above 0x7F (the section sign delimits
// unit markers) and must never pass through a UTF-8 decode.
package telegram

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Frame markers and field sizes.
const (
	FrameStart byte = '<'
	FrameEnd   byte = '>'

	SerialLen = 10

	// BroadcastSerial addresses every module on the bus.
	BroadcastSerial = "0000000000"
)

var (
	ErrInvalidTelegram = errors.New("invalid telegram")
	ErrBadChecksum     = errors.New("bad checksum")
	ErrUnknownType     = errors.New("unknown telegram type")
	ErrNotLatin1       = errors.New("not representable in latin-1")
)

// Type identifies the telegram class carried in the first payload byte.
type Type byte

const (
	TypeSystem   Type = 'S'
	TypeReply    Type = 'R'
	TypeEvent    Type = 'E'
	TypeOldEvent Type = 'O'
)

func (t Type) String() string {
	switch t {
	case TypeSystem:
		return "SYSTEM"
	case TypeReply:
		return "REPLY"
	case TypeEvent:
		return "EVENT"
	case TypeOldEvent:
		return "OLD_EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
	}
}

// EventKind distinguishes press and release in event telegrams.
type EventKind byte

const (
	Make  EventKind = 'M'
	Break EventKind = 'B'
)

func (k EventKind) String() string {
	switch k {
	case Make:
		return "MAKE"
	case Break:
		return "BREAK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(k))
	}
}

// Telegram is one decoded frame. It is immutable once constructed: Parse and
// the constructors fill every derived field, nothing mutates them afterwards.
//
// A telegram with a checksum mismatch is still fully populated; consumers
// check ChecksumValid and decide for themselves.
type Telegram struct {
	Type          Type
	Payload       []byte
	Checksum      string
	Frame         []byte
	ChecksumValid bool

	// System and Reply telegrams only.
	SerialNumber string
	Function     Function
	Datapoint    DataPoint
	HasDatapoint bool
	Data         string

	// Event and OldEvent telegrams only.
	ModuleTypeCode int
	LinkNumber     int
	InputNumber    int
	EventKind      EventKind
}

// NewSystemTelegram builds a master-to-device telegram with a datapoint.
func NewSystemTelegram(serial string, fn Function, dp DataPoint, data string) Telegram {
	return finalize(Telegram{
		Type:         TypeSystem,
		SerialNumber: serial,
		Function:     fn,
		Datapoint:    dp,
		HasDatapoint: true,
		Data:         data,
	})
}

// NewReplyTelegram builds a device-to-master reply with a datapoint.
func NewReplyTelegram(serial string, fn Function, dp DataPoint, data string) Telegram {
	return finalize(Telegram{
		Type:         TypeReply,
		SerialNumber: serial,
		Function:     fn,
		Datapoint:    dp,
		HasDatapoint: true,
		Data:         data,
	})
}

// NewAckReply builds the F18 acknowledgement reply, which carries neither
// datapoint nor data ("<R{serial}F18D{chk}>").
func NewAckReply(serial string) Telegram {
	return finalize(Telegram{
		Type:         TypeReply,
		SerialNumber: serial,
		Function:     FuncAck,
	})
}

// NewDiscoverReply builds the bare F01 reply a module sends when it answers a
// broadcast discover.
func NewDiscoverReply(serial string) Telegram {
	return finalize(Telegram{
		Type:         TypeReply,
		SerialNumber: serial,
		Function:     FuncDiscover,
	})
}

// NewEndOfTableReply builds the F12 reply terminating an action-table
// download. Data carries the CRC32-nibble over the transferred rows.
func NewEndOfTableReply(serial string, data string) Telegram {
	return finalize(Telegram{
		Type:         TypeReply,
		SerialNumber: serial,
		Function:     FuncEndOfTable,
		Data:         data,
	})
}

// NewEventTelegram builds a press/release event frame.
func NewEventTelegram(moduleTypeCode, link, input int, kind EventKind) Telegram {
	return finalize(Telegram{
		Type:           TypeEvent,
		ModuleTypeCode: moduleTypeCode,
		LinkNumber:     link,
		InputNumber:    input,
		EventKind:      kind,
	})
}

// finalize derives payload, checksum, and frame from the logical fields.
func finalize(t Telegram) Telegram {
	payload := t.encodePayload()
	chk := XORNibble(payload)

	frame := make([]byte, 0, len(payload)+ChecksumLen+2)
	frame = append(frame, FrameStart)
	frame = append(frame, payload...)
	frame = append(frame, chk...)
	frame = append(frame, FrameEnd)

	t.Payload = payload
	t.Checksum = chk
	t.Frame = frame
	t.ChecksumValid = true
	return t
}

func (t Telegram) encodePayload() []byte {
	switch t.Type {
	case TypeSystem, TypeReply:
		var b bytes.Buffer
		b.WriteByte(byte(t.Type))
		b.WriteString(t.SerialNumber)
		b.WriteByte('F')
		fmt.Fprintf(&b, "%02d", int(t.Function))
		b.WriteByte('D')
		if t.HasDatapoint {
			fmt.Fprintf(&b, "%02d", int(t.Datapoint))
		}
		b.WriteString(t.Data)
		return b.Bytes()
	case TypeEvent, TypeOldEvent:
		return []byte(fmt.Sprintf("%c%02dL%02dI%02d%c",
			t.Type, t.ModuleTypeCode, t.LinkNumber, t.InputNumber, t.EventKind))
	default:
		return nil
	}
}

// Parse decodes one complete frame including the start and end markers. The
// telegram is populated even when the checksum does not match; ChecksumValid
// records the verdict. Structurally broken frames return an error.
func Parse(frame []byte) (Telegram, error) {
	if len(frame) < 5 {
		return Telegram{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidTelegram, len(frame))
	}
	if frame[0] != FrameStart || frame[len(frame)-1] != FrameEnd {
		return Telegram{}, fmt.Errorf("%w: missing frame markers", ErrInvalidTelegram)
	}

	inner := frame[1 : len(frame)-1]
	payload := inner[:len(inner)-ChecksumLen]
	checksum := string(inner[len(inner)-ChecksumLen:])

	t := Telegram{
		Payload:       append([]byte(nil), payload...),
		Checksum:      checksum,
		Frame:         append([]byte(nil), frame...),
		ChecksumValid: VerifyChecksum(payload, checksum),
	}

	switch Type(payload[0]) {
	case TypeSystem, TypeReply:
		t.Type = Type(payload[0])
		if err := parseSystemReply(&t, payload); err != nil {
			return Telegram{}, err
		}
	case TypeEvent, TypeOldEvent:
		t.Type = Type(payload[0])
		if err := parseEvent(&t, payload); err != nil {
			return Telegram{}, err
		}
	default:
		return Telegram{}, fmt.Errorf("%w: 0x%02X", ErrUnknownType, payload[0])
	}

	return t, nil
}

// ParseString is Parse over a string frame, for callers holding text.
func ParseString(frame string) (Telegram, error) {
	return Parse([]byte(frame))
}

func parseSystemReply(t *Telegram, payload []byte) error {
	// Minimum: type + serial(10) + 'F' + function(2) + 'D'.
	if len(payload) < 15 {
		return fmt.Errorf("%w: system/reply payload too short (%d bytes)", ErrInvalidTelegram, len(payload))
	}

	serial := string(payload[1 : SerialLen+1])
	if !isDigits(serial) {
		return fmt.Errorf("%w: serial %q is not numeric", ErrInvalidTelegram, serial)
	}
	if payload[11] != 'F' {
		return fmt.Errorf("%w: missing function marker", ErrInvalidTelegram)
	}
	fn, err := ParseFunction(string(payload[12:14]))
	if err != nil {
		return err
	}
	if payload[14] != 'D' {
		return fmt.Errorf("%w: missing datapoint marker", ErrInvalidTelegram)
	}

	t.SerialNumber = serial
	t.Function = fn

	// The datapoint is optional: ACK and discover replies stop at 'D'.
	rest := payload[15:]
	if len(rest) >= 2 && isDigits(string(rest[:2])) {
		dp, _ := strconv.Atoi(string(rest[:2]))
		t.Datapoint = DataPoint(dp)
		t.HasDatapoint = true
		rest = rest[2:]
	}
	t.Data = string(rest)

	return nil
}

func parseEvent(t *Telegram, payload []byte) error {
	// E{mt:02}L{link:02}I{input:02}{M|B}, exactly 10 bytes.
	if len(payload) != 10 {
		return fmt.Errorf("%w: event payload must be 10 bytes, got %d", ErrInvalidTelegram, len(payload))
	}
	if payload[3] != 'L' || payload[6] != 'I' {
		return fmt.Errorf("%w: malformed event field markers", ErrInvalidTelegram)
	}

	mt, err := atoiField(payload[1:3], "module type")
	if err != nil {
		return err
	}
	link, err := atoiField(payload[4:6], "link number")
	if err != nil {
		return err
	}
	input, err := atoiField(payload[7:9], "input number")
	if err != nil {
		return err
	}

	kind := EventKind(payload[9])
	if kind != Make && kind != Break {
		return fmt.Errorf("%w: event kind 0x%02X", ErrInvalidTelegram, payload[9])
	}

	t.ModuleTypeCode = mt
	t.LinkNumber = link
	t.InputNumber = input
	t.EventKind = kind

	return nil
}

// IsSystem reports whether the telegram was sent by the master.
func (t Telegram) IsSystem() bool { return t.Type == TypeSystem }

// IsReply reports whether the telegram is a device reply.
func (t Telegram) IsReply() bool { return t.Type == TypeReply }

// IsEvent reports whether the telegram is a press/release event, current or
// replayed.
func (t Telegram) IsEvent() bool { return t.Type == TypeEvent || t.Type == TypeOldEvent }

// IsBroadcast reports whether a system telegram addresses every module.
func (t Telegram) IsBroadcast() bool {
	return t.Type == TypeSystem && t.SerialNumber == BroadcastSerial
}

// IsAck reports whether the telegram is an F18 acknowledgement.
func (t Telegram) IsAck() bool {
	return t.Type == TypeReply && t.Function == FuncAck
}

// FrameString returns the on-wire frame as a Latin-1 display string.
func (t Telegram) FrameString() string {
	return DecodeLatin1(t.Frame)
}

func (t Telegram) String() string {
	switch t.Type {
	case TypeSystem, TypeReply:
		s := fmt.Sprintf("%s %s %s", t.Type, t.SerialNumber, t.Function)
		if t.HasDatapoint {
			s += " " + t.Datapoint.String()
		}
		if t.Data != "" {
			s += " " + strconv.Quote(DecodeLatin1([]byte(t.Data)))
		}
		if !t.ChecksumValid {
			s += " (bad checksum)"
		}
		return s
	case TypeEvent, TypeOldEvent:
		s := fmt.Sprintf("%s %s L%02d I%02d %s",
			t.Type, ModuleType(t.ModuleTypeCode), t.LinkNumber, t.InputNumber, t.EventKind)
		if !t.ChecksumValid {
			s += " (bad checksum)"
		}
		return s
	default:
		return "INVALID"
	}
}

// ValidSerial reports whether s is a well-formed 10-digit serial number.
func ValidSerial(s string) bool {
	return len(s) == SerialLen && isDigits(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func atoiField(b []byte, name string) (int, error) {
	if !isDigits(string(b)) {
		return 0, fmt.Errorf("%w: %s %q is not numeric", ErrInvalidTelegram, name, b)
	}
	n, _ := strconv.Atoi(string(b))
	return n, nil
}
