package telegram

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ModuleType is the numeric module-type code reported by devices. Codes are
// small non-contiguous integers fixed by the vendor.
type ModuleType int

const (
	ModuleTypeNOMOD   ModuleType = 0
	ModuleTypeALLMOD  ModuleType = 1
	ModuleTypeCP20    ModuleType = 2
	ModuleTypeXP24    ModuleType = 7
	ModuleTypeXP31UNI ModuleType = 8
	ModuleTypeXP33    ModuleType = 11
	ModuleTypeXP130   ModuleType = 13
	ModuleTypeXP2606  ModuleType = 14
	ModuleTypeXPX1_8  ModuleType = 22
	ModuleTypeXP134   ModuleType = 23
	ModuleTypeXP33LR  ModuleType = 30
	ModuleTypeXP20    ModuleType = 33
	ModuleTypeXP230   ModuleType = 34
	ModuleTypeXP33LED ModuleType = 36
	ModuleTypeXP31LED ModuleType = 37
)

// Category groups module types by their role on the bus.
type Category string

const (
	CategorySystem    Category = "system"
	CategoryPanel     Category = "panel"
	CategoryRelay     Category = "relay"
	CategoryDimmer    Category = "dimmer"
	CategoryInterface Category = "interface"
)

// ModuleInfo is one module-type registry record.
type ModuleInfo struct {
	Code        ModuleType `json:"code"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Category    Category   `json:"category"`
	Inputs      int        `json:"inputs"`
	Outputs     int        `json:"outputs"`
	Dimmable    bool       `json:"dimmable"`
}

var moduleRegistry = map[ModuleType]ModuleInfo{
	ModuleTypeNOMOD:   {ModuleTypeNOMOD, "NOMOD", "No module / placeholder", CategorySystem, 0, 0, false},
	ModuleTypeALLMOD:  {ModuleTypeALLMOD, "ALLMOD", "Addresses all modules on the link", CategorySystem, 0, 0, false},
	ModuleTypeCP20:    {ModuleTypeCP20, "CP20", "Push-button panel, 8 inputs", CategoryPanel, 8, 0, false},
	ModuleTypeXP24:    {ModuleTypeXP24, "XP24", "Relay module, 4 outputs", CategoryRelay, 0, 4, false},
	ModuleTypeXP31UNI: {ModuleTypeXP31UNI, "XP31UNI", "Universal dimmer, 1 channel", CategoryDimmer, 0, 1, true},
	ModuleTypeXP33:    {ModuleTypeXP33, "XP33", "Dimmer module, 3 channels", CategoryDimmer, 0, 3, true},
	ModuleTypeXP130:   {ModuleTypeXP130, "XP130", "Ethernet gateway", CategoryInterface, 0, 0, false},
	ModuleTypeXP2606:  {ModuleTypeXP2606, "XP2606", "Push-button panel, 6 inputs with display", CategoryPanel, 6, 0, false},
	ModuleTypeXPX1_8:  {ModuleTypeXPX1_8, "XPX1_8", "Input interface, 8 contacts", CategoryPanel, 8, 0, false},
	ModuleTypeXP134:   {ModuleTypeXP134, "XP134", "Link repeater", CategoryInterface, 0, 0, false},
	ModuleTypeXP33LR:  {ModuleTypeXP33LR, "XP33LR", "Dimmer module, 3 channels, low power", CategoryDimmer, 0, 3, true},
	ModuleTypeXP20:    {ModuleTypeXP20, "XP20", "Push-button interface, 8 inputs", CategoryPanel, 8, 0, false},
	ModuleTypeXP230:   {ModuleTypeXP230, "XP230", "Power supply and bus interface", CategoryInterface, 0, 0, false},
	ModuleTypeXP33LED: {ModuleTypeXP33LED, "XP33LED", "LED dimmer module, 3 channels", CategoryDimmer, 0, 3, true},
	ModuleTypeXP31LED: {ModuleTypeXP31LED, "XP31LED", "LED dimmer module, 1 channel", CategoryDimmer, 0, 1, true},
}

func (m ModuleType) String() string {
	if info, ok := moduleRegistry[m]; ok {
		return info.Name
	}
	return fmt.Sprintf("MT%02d", int(m))
}

// LookupModuleType returns the registry record for a code.
func LookupModuleType(code ModuleType) (ModuleInfo, bool) {
	info, ok := moduleRegistry[code]
	return info, ok
}

// ModuleTypeByName resolves a registry record by name, case-insensitively.
func ModuleTypeByName(name string) (ModuleInfo, bool) {
	for _, info := range moduleRegistry {
		if strings.EqualFold(info.Name, name) {
			return info, true
		}
	}
	return ModuleInfo{}, false
}

// ResolveModuleType accepts either a numeric code or a name.
func ResolveModuleType(s string) (ModuleInfo, bool) {
	if isDigits(s) {
		code, _ := strconv.Atoi(s)
		return LookupModuleType(ModuleType(code))
	}
	return ModuleTypeByName(s)
}

// ModuleTypes returns every registry record ordered by code.
func ModuleTypes() []ModuleInfo {
	out := make([]ModuleInfo, 0, len(moduleRegistry))
	for _, info := range moduleRegistry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
