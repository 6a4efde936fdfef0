package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadActionTable reports malformed action-table rows or short lines.
var ErrBadActionTable = errors.New("bad action table entry")

// Action is the behaviour an action-table entry triggers on its target
// output.
type Action int

const (
	ActionVoid           Action = 0
	ActionTurnOn         Action = 1
	ActionTurnOff        Action = 2
	ActionToggle         Action = 3
	ActionBlock          Action = 4
	ActionAuxRelay       Action = 5
	ActionMutualEx       Action = 6
	ActionLevelUp        Action = 7
	ActionLevelDown      Action = 8
	ActionLevelInc       Action = 9
	ActionLevelDec       Action = 10
	ActionLevelSet       Action = 11
	ActionFadeTime       Action = 12
	ActionSceneSet       Action = 13
	ActionSceneNext      Action = 14
	ActionScenePrev      Action = 15
	ActionReturnData     Action = 17
	ActionDelayedOn      Action = 18
	ActionEventTimer1    Action = 19
	ActionEventTimer2    Action = 20
	ActionEventTimer3    Action = 21
	ActionEventTimer4    Action = 22
	ActionStepCtrl       Action = 23
	ActionStepCtrlUp     Action = 24
	ActionStepCtrlDown   Action = 25
	ActionLevelSetIntern Action = 29
	ActionFade           Action = 30
	ActionLearn          Action = 31
)

var actionNames = map[Action]string{
	ActionVoid:           "VOID",
	ActionTurnOn:         "TURNON",
	ActionTurnOff:        "TURNOFF",
	ActionToggle:         "TOGGLE",
	ActionBlock:          "BLOCK",
	ActionAuxRelay:       "AUXRELAY",
	ActionMutualEx:       "MUTUALEX",
	ActionLevelUp:        "LEVELUP",
	ActionLevelDown:      "LEVELDOWN",
	ActionLevelInc:       "LEVELINC",
	ActionLevelDec:       "LEVELDEC",
	ActionLevelSet:       "LEVELSET",
	ActionFadeTime:       "FADETIME",
	ActionSceneSet:       "SCENESET",
	ActionSceneNext:      "SCENENEXT",
	ActionScenePrev:      "SCENEPREV",
	ActionReturnData:     "RETURNDATA",
	ActionDelayedOn:      "DELAYEDON",
	ActionEventTimer1:    "EVENTTIMER1",
	ActionEventTimer2:    "EVENTTIMER2",
	ActionEventTimer3:    "EVENTTIMER3",
	ActionEventTimer4:    "EVENTTIMER4",
	ActionStepCtrl:       "STEPCTRL",
	ActionStepCtrlUp:     "STEPCTRLUP",
	ActionStepCtrlDown:   "STEPCTRLDOWN",
	ActionLevelSetIntern: "LEVELSETINTERN",
	ActionFade:           "FADE",
	ActionLearn:          "LEARN",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ACTION%02d", int(a))
}

// ShortName is the form used in short action-table lines: ON and OFF instead
// of TURNON and TURNOFF, everything else canonical.
func (a Action) ShortName() string {
	switch a {
	case ActionTurnOn:
		return "ON"
	case ActionTurnOff:
		return "OFF"
	default:
		return a.String()
	}
}

// ParseAction resolves an action from its number, canonical name, or the
// ON/OFF short aliases.
func ParseAction(s string) (Action, error) {
	if isDigits(s) {
		n, _ := strconv.Atoi(s)
		return Action(n), nil
	}
	switch strings.ToUpper(s) {
	case "ON":
		return ActionTurnOn, nil
	case "OFF":
		return ActionTurnOff, nil
	}
	for a, name := range actionNames {
		if strings.EqualFold(name, s) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown action %q", ErrBadActionTable, s)
}

// ActionTableEntry is one programmed behaviour line: when the source input on
// the source panel fires, apply the action to the target output of the module
// holding the table.
type ActionTableEntry struct {
	SourceModuleType ModuleType `json:"source_module_type"`
	SourceLink       int        `json:"source_link"`
	SourceInput      int        `json:"source_input"`
	TargetOutput     int        `json:"target_output"`
	Action           Action     `json:"action"`
	Param            int        `json:"param,omitempty"`
	HasParam         bool       `json:"-"`
}

// ShortLine renders the entry in the human form stored in module lists:
// "XP20 10 0 > 0 OFF" with an optional trailing parameter.
func (e ActionTableEntry) ShortLine() string {
	s := fmt.Sprintf("%s %d %d > %d %s",
		e.SourceModuleType, e.SourceLink, e.SourceInput, e.TargetOutput, e.Action.ShortName())
	if e.HasParam {
		s += " " + strconv.Itoa(e.Param)
	}
	return s
}

// ParseShortLine parses the short human form back into an entry.
func ParseShortLine(line string) (ActionTableEntry, error) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ";"))
	if len(fields) != 6 && len(fields) != 7 {
		return ActionTableEntry{}, fmt.Errorf("%w: %q", ErrBadActionTable, line)
	}
	if fields[3] != ">" {
		return ActionTableEntry{}, fmt.Errorf("%w: missing '>' in %q", ErrBadActionTable, line)
	}

	mt, ok := ResolveModuleType(fields[0])
	if !ok {
		return ActionTableEntry{}, fmt.Errorf("%w: unknown module type %q", ErrBadActionTable, fields[0])
	}
	link, err := strconv.Atoi(fields[1])
	if err != nil {
		return ActionTableEntry{}, fmt.Errorf("%w: link %q", ErrBadActionTable, fields[1])
	}
	input, err := strconv.Atoi(fields[2])
	if err != nil {
		return ActionTableEntry{}, fmt.Errorf("%w: input %q", ErrBadActionTable, fields[2])
	}
	output, err := strconv.Atoi(fields[4])
	if err != nil {
		return ActionTableEntry{}, fmt.Errorf("%w: output %q", ErrBadActionTable, fields[4])
	}
	action, err := ParseAction(fields[5])
	if err != nil {
		return ActionTableEntry{}, err
	}

	e := ActionTableEntry{
		SourceModuleType: mt.Code,
		SourceLink:       link,
		SourceInput:      input,
		TargetOutput:     output,
		Action:           action,
	}
	if len(fields) == 7 {
		param, err := strconv.Atoi(fields[6])
		if err != nil {
			return ActionTableEntry{}, fmt.Errorf("%w: param %q", ErrBadActionTable, fields[6])
		}
		e.Param = param
		e.HasParam = true
	}
	return e, nil
}

// ActionTable is the ordered list of entries stored on one module.
type ActionTable []ActionTableEntry

// ShortLines renders every entry in the short human form.
func (t ActionTable) ShortLines() []string {
	lines := make([]string, len(t))
	for i, e := range t {
		lines[i] = e.ShortLine()
	}
	return lines
}

// ParseActionTable parses a list of short lines, as found in module-list
// YAML documents.
func ParseActionTable(lines []string) (ActionTable, error) {
	table := make(ActionTable, 0, len(lines))
	for _, line := range lines {
		e, err := ParseShortLine(line)
		if err != nil {
			return nil, err
		}
		table = append(table, e)
	}
	return table, nil
}
