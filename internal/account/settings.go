package account

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Setting is a per-account integer setting key.
type Setting string

const (
	ClickDelayMin            Setting = "ClickDelayMin"
	ClickDelayMax            Setting = "ClickDelayMax"
	TaskDelayMin             Setting = "TaskDelayMin"
	TaskDelayMax             Setting = "TaskDelayMax"
	WorkTimeMin              Setting = "WorkTimeMin"
	WorkTimeMax              Setting = "WorkTimeMax"
	SleepTimeMin             Setting = "SleepTimeMin"
	SleepTimeMax             Setting = "SleepTimeMax"
	EnableAutoLoadVillage    Setting = "EnableAutoLoadVillage"
	Tribe                    Setting = "Tribe"
	HeadlessChrome           Setting = "HeadlessChrome"
	EnableAutoStartAdventure Setting = "EnableAutoStartAdventure"
	LowCropThresholdPercent  Setting = "LowCropThresholdPercent"
)

// VillageSetting is a per-village integer setting key.
type VillageSetting string

const (
	AutoRefreshEnable VillageSetting = "AutoRefreshEnable"
	AutoRefreshMin    VillageSetting = "AutoRefreshMin"
	AutoRefreshMax    VillageSetting = "AutoRefreshMax"
)

// TribeAny means no tribe has been chosen yet; accounts cannot start with it.
const TribeAny = 0

type bounds struct{ def, min, max int }

// Delays are seconds unless noted. Work and sleep times are minutes.
var accountSettings = map[Setting]bounds{
	ClickDelayMin:            {500, 0, 60000},
	ClickDelayMax:            {1500, 0, 60000},
	TaskDelayMin:             {1000, 0, 60000},
	TaskDelayMax:             {2000, 0, 60000},
	WorkTimeMin:              {340, 0, 1440},
	WorkTimeMax:              {360, 0, 1440},
	SleepTimeMin:             {480, 0, 1440},
	SleepTimeMax:             {600, 0, 1440},
	EnableAutoLoadVillage:    {1, 0, 1},
	Tribe:                    {TribeAny, 0, 9},
	HeadlessChrome:           {0, 0, 1},
	EnableAutoStartAdventure: {0, 0, 1},
	LowCropThresholdPercent:  {20, 0, 100},
}

// Minutes.
var villageSettings = map[VillageSetting]bounds{
	AutoRefreshEnable: {1, 0, 1},
	AutoRefreshMin:    {10, 1, 1440},
	AutoRefreshMax:    {15, 1, 1440},
}

// Settings is the resolved account settings map.
type Settings map[Setting]int

// VillageSettings is the resolved village settings map.
type VillageSettings map[VillageSetting]int

// DefaultSettings returns the full account settings map with defaults.
func DefaultSettings() Settings {
	out := make(Settings, len(accountSettings))
	for k, b := range accountSettings {
		out[k] = b.def
	}
	return out
}

// DefaultVillageSettings returns the full village settings map with defaults.
func DefaultVillageSettings() VillageSettings {
	out := make(VillageSettings, len(villageSettings))
	for k, b := range villageSettings {
		out[k] = b.def
	}
	return out
}

// Merge overlays stored values on top of defaults, ignoring unknown keys.
func (s Settings) Merge(stored map[Setting]int) Settings {
	for k, v := range stored {
		if _, ok := accountSettings[k]; ok {
			s[k] = v
		}
	}
	return s
}

func (s VillageSettings) Merge(stored map[VillageSetting]int) VillageSettings {
	for k, v := range stored {
		if _, ok := villageSettings[k]; ok {
			s[k] = v
		}
	}
	return s
}

func (s Settings) Bool(k Setting) bool               { return s[k] != 0 }
func (s VillageSettings) Bool(k VillageSetting) bool { return s[k] != 0 }

// Validate checks ranges and min/max pairs.
func (s Settings) Validate() error {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		b, ok := accountSettings[Setting(k)]
		if !ok {
			return fmt.Errorf("unknown setting %q", k)
		}
		if v := s[Setting(k)]; v < b.min || v > b.max {
			return fmt.Errorf("%s: %d out of range [%d, %d]", k, v, b.min, b.max)
		}
	}
	pairs := [][2]Setting{
		{ClickDelayMin, ClickDelayMax},
		{TaskDelayMin, TaskDelayMax},
		{WorkTimeMin, WorkTimeMax},
		{SleepTimeMin, SleepTimeMax},
	}
	for _, p := range pairs {
		lo, hasLo := s[p[0]]
		hi, hasHi := s[p[1]]
		if hasLo && hasHi && lo > hi {
			return fmt.Errorf("%s must be <= %s", p[0], p[1])
		}
	}
	return nil
}

func (s VillageSettings) Validate() error {
	for k, v := range s {
		b, ok := villageSettings[k]
		if !ok {
			return fmt.Errorf("unknown village setting %q", k)
		}
		if v < b.min || v > b.max {
			return fmt.Errorf("%s: %d out of range [%d, %d]", k, v, b.min, b.max)
		}
	}
	lo, hasLo := s[AutoRefreshMin]
	hi, hasHi := s[AutoRefreshMax]
	if hasLo && hasHi && lo > hi {
		return fmt.Errorf("%s must be <= %s", AutoRefreshMin, AutoRefreshMax)
	}
	return nil
}

// DecodeSettings parses an exported settings document (JSON object of name -> int).
func DecodeSettings(b []byte) (Settings, error) {
	var raw map[string]int
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("invalid settings file: %w", err)
	}
	out := make(Settings, len(raw))
	for k, v := range raw {
		out[Setting(k)] = v
	}
	return out, nil
}
