// Package discovery owns the bus-facing representation of the BOX's
// datamodel: the sensor map that turns raw table values into
// bus-friendly ones, and the retained discovery documents that describe
// each sensor to downstream consumers.
package discovery

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SensorSpec describes how one (table, item) pair is represented on the
// bus: a display name, an optional unit, and an optional enumeration
// mapping raw integer values to human strings.
type SensorSpec struct {
	Name        string         `yaml:"name"`
	Unit        string         `yaml:"unit,omitempty"`
	DeviceClass string         `yaml:"device_class,omitempty"`
	Options     map[int]string `yaml:"options,omitempty"`
}

// Map holds the sensor specs, keyed by table then item.
type Map struct {
	sensors map[string]map[string]SensorSpec
}

// Default returns the built-in sensor map covering the items the proxy
// knows the semantics of. Values observed for unmapped items pass
// through unchanged.
func Default() *Map {
	return &Map{sensors: map[string]map[string]SensorSpec{
		"tbl_box_prms": {
			"MODE": {
				Name: "Operating mode",
				Options: map[int]string{
					0: "Standard",
					3: "No Limit",
				},
			},
			"SA": {Name: "Settings revision"},
		},
		"tbl_actual": {
			"Bat_P": {Name: "Battery power", Unit: "W", DeviceClass: "power"},
			"Bat_C": {Name: "Battery charge", Unit: "%", DeviceClass: "battery"},
		},
	}}
}

// LoadMap reads a YAML sensor map from path, merged over the built-in
// defaults so a partial file only overrides what it names. A missing
// file is not an error: the defaults are returned as-is.
func LoadMap(path string) (*Map, error) {
	m := Default()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: read sensor map: %w", err)
	}

	var loaded map[string]map[string]SensorSpec
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("discovery: parse sensor map %s: %w", path, err)
	}

	for table, items := range loaded {
		if m.sensors[table] == nil {
			m.sensors[table] = make(map[string]SensorSpec)
		}
		for item, spec := range items {
			m.sensors[table][item] = spec
		}
	}
	return m, nil
}

// Lookup returns the spec for table/item, if one exists.
func (m *Map) Lookup(table, item string) (SensorSpec, bool) {
	items, ok := m.sensors[table]
	if !ok {
		return SensorSpec{}, false
	}
	spec, ok := items[item]
	return spec, ok
}

// MapValue converts a raw parsed value into its bus representation:
// enumerated integers become their option string when one is defined,
// everything else passes through unchanged.
func (m *Map) MapValue(table, item string, raw any) any {
	spec, ok := m.Lookup(table, item)
	if !ok || len(spec.Options) == 0 {
		return raw
	}

	var idx int
	switch v := raw.(type) {
	case int:
		idx = v
	case int64:
		idx = int(v)
	case float64:
		idx = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return raw
		}
		idx = n
	default:
		return raw
	}

	if name, ok := spec.Options[idx]; ok {
		return name
	}
	return raw
}

// Tables returns the table names present in the map, for emission.
func (m *Map) Tables() []string {
	out := make([]string, 0, len(m.sensors))
	for table := range m.sensors {
		out = append(out, table)
	}
	return out
}

// Items returns the item names mapped under table.
func (m *Map) Items(table string) []string {
	items := m.sensors[table]
	out := make([]string, 0, len(items))
	for item := range items {
		out = append(out, item)
	}
	return out
}
