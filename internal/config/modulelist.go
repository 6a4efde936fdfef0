package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/conbus/xp/internal/telegram"
)

// ModuleRecord describes one bus module, either as emulator input or as
// export output. Numeric fields are pointers so a partial export emits only
// the identity fields a device actually answered.
type ModuleRecord struct {
	Name             string   `yaml:"name"`
	SerialNumber     string   `yaml:"serial_number"`
	ModuleType       string   `yaml:"module_type,omitempty"`
	ModuleTypeCode   *int     `yaml:"module_type_code,omitempty"`
	LinkNumber       *int     `yaml:"link_number,omitempty"`
	ModuleNumber     *int     `yaml:"module_number,omitempty"`
	SWVersion        string   `yaml:"sw_version,omitempty"`
	HWVersion        string   `yaml:"hw_version,omitempty"`
	AutoReportStatus string   `yaml:"auto_report_status,omitempty"`
	ActionTable      []string `yaml:"action_table,omitempty"`
}

// Validate checks the fields the emulator cannot run without.
func (r ModuleRecord) Validate() error {
	if !telegram.ValidSerial(r.SerialNumber) {
		return fmt.Errorf("%w: module %q: serial_number %q must be 10 digits",
			ErrInvalidConfig, r.Name, r.SerialNumber)
	}
	if r.ModuleType != "" {
		if _, ok := telegram.ResolveModuleType(r.ModuleType); !ok {
			return fmt.Errorf("%w: module %q: unknown module_type %q",
				ErrInvalidConfig, r.Name, r.ModuleType)
		}
	}
	for _, line := range r.ActionTable {
		if _, err := telegram.ParseShortLine(line); err != nil {
			return fmt.Errorf("%w: module %q: action table line %q: %v",
				ErrInvalidConfig, r.Name, line, err)
		}
	}
	return nil
}

// TypeCode resolves the numeric module type, preferring the explicit code
// over the name.
func (r ModuleRecord) TypeCode() (telegram.ModuleType, bool) {
	if r.ModuleTypeCode != nil {
		if info, ok := telegram.LookupModuleType(telegram.ModuleType(*r.ModuleTypeCode)); ok {
			return info.Code, true
		}
		return telegram.ModuleType(*r.ModuleTypeCode), true
	}
	if r.ModuleType != "" {
		if info, ok := telegram.ResolveModuleType(r.ModuleType); ok {
			return info.Code, true
		}
	}
	return 0, false
}

// ModuleList is the on-disk inventory consumed by the emulator and written
// by the bus export.
type ModuleList struct {
	Name    string         `yaml:"name,omitempty"`
	Modules []ModuleRecord `yaml:"modules"`
}

// LoadModuleList reads and validates a module list.
func LoadModuleList(path string) (*ModuleList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var list ModuleList
	if err := yaml.NewDecoder(f).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	seen := make(map[string]string, len(list.Modules))
	for _, m := range list.Modules {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if other, dup := seen[m.SerialNumber]; dup {
			return nil, fmt.Errorf("%w: %s: modules %q and %q share serial %s",
				ErrInvalidConfig, path, other, m.Name, m.SerialNumber)
		}
		seen[m.SerialNumber] = m.Name
	}
	return &list, nil
}

// SortModules orders records by link number with unknown links last, ties
// broken by serial.
func SortModules(mods []ModuleRecord) {
	sort.SliceStable(mods, func(i, j int) bool {
		li, lj := mods[i].LinkNumber, mods[j].LinkNumber
		switch {
		case li != nil && lj != nil && *li != *lj:
			return *li < *lj
		case li != nil && lj == nil:
			return true
		case li == nil && lj != nil:
			return false
		default:
			return mods[i].SerialNumber < mods[j].SerialNumber
		}
	})
}

// Save writes the list, modules ordered by link number with unknown links
// last, ties broken by serial.
func (l *ModuleList) Save(path string) error {
	sorted := append([]ModuleRecord(nil), l.Modules...)
	SortModules(sorted)
	out := ModuleList{Name: l.Name, Modules: sorted}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
