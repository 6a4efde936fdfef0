package telegram

import (
	"fmt"
	"strconv"
)

// Function is the two-digit system function in S/R telegrams.
type Function int

const (
	FuncDiscover        Function = 1
	FuncReadDatapoint   Function = 2
	FuncWriteConfig     Function = 4
	FuncBlink           Function = 5
	FuncUnblink         Function = 6
	FuncReadActionTable Function = 11
	FuncEndOfTable      Function = 12
	FuncAck             Function = 18
)

func (f Function) String() string {
	switch f {
	case FuncDiscover:
		return "DISCOVER"
	case FuncReadDatapoint:
		return "READ_DATAPOINT"
	case FuncWriteConfig:
		return "WRITE_CONFIG"
	case FuncBlink:
		return "BLINK"
	case FuncUnblink:
		return "UNBLINK"
	case FuncReadActionTable:
		return "READ_ACTION_TABLE"
	case FuncEndOfTable:
		return "END_OF_TABLE"
	case FuncAck:
		return "ACK"
	default:
		return fmt.Sprintf("F%02d", int(f))
	}
}

// Code renders the function as its two-digit wire form.
func (f Function) Code() string {
	return fmt.Sprintf("%02d", int(f))
}

// ParseFunction decodes a two-digit function code. Codes outside the known
// set still parse; devices answer functions the registry does not list.
func ParseFunction(s string) (Function, error) {
	if len(s) != 2 || !isDigits(s) {
		return 0, fmt.Errorf("%w: function code %q", ErrInvalidTelegram, s)
	}
	n, _ := strconv.Atoi(s)
	return Function(n), nil
}
