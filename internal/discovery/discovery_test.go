package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/oig-proxy/internal/bus/busfake"
)

func TestMapValueEnumerated(t *testing.T) {
	m := Default()

	assert.Equal(t, "Standard", m.MapValue("tbl_box_prms", "MODE", 0))
	assert.Equal(t, "No Limit", m.MapValue("tbl_box_prms", "MODE", "3"))
	// Unmapped ordinal passes through.
	assert.Equal(t, 1, m.MapValue("tbl_box_prms", "MODE", 1))
	// Unmapped item passes through.
	assert.Equal(t, 42, m.MapValue("tbl_actual", "X", 42))
}

func TestLoadMapMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sensors.yaml")
	content := `
tbl_box_prms:
  MODE:
    name: Mode
    options:
      0: Home
      3: Grid
tbl_custom:
  Volt:
    name: Voltage
    unit: V
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadMap(path)
	require.NoError(t, err)

	assert.Equal(t, "Home", m.MapValue("tbl_box_prms", "MODE", 0))
	spec, ok := m.Lookup("tbl_custom", "Volt")
	require.True(t, ok)
	assert.Equal(t, "V", spec.Unit)
	// Defaults not named in the file survive.
	_, ok = m.Lookup("tbl_actual", "Bat_P")
	assert.True(t, ok)
}

func TestLoadMapMissingFileUsesDefaults(t *testing.T) {
	m, err := LoadMap("/nonexistent/sensors.yaml")
	require.NoError(t, err)
	_, ok := m.Lookup("tbl_box_prms", "MODE")
	assert.True(t, ok)
}

func TestEmitPublishesRetainedConfigs(t *testing.T) {
	client := busfake.New()
	m := Default()

	require.NoError(t, Emit(client, m, "oig_local", "123"))

	published := client.Published()
	require.NotEmpty(t, published)
	for _, entry := range published {
		assert.True(t, entry.Retain, "discovery documents must be retained")
		assert.True(t, strings.HasPrefix(entry.Topic, "homeassistant/sensor/oig_local_123_"), entry.Topic)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(entry.Payload, &doc), "payload must be valid JSON: %s", entry.Payload)
		assert.Equal(t, "oig_local/123/availability", doc["availability_topic"])
	}
}

func TestEmitRequiresKnownDevice(t *testing.T) {
	client := busfake.New()
	assert.Error(t, Emit(client, Default(), "oig_local", "AUTO"))
	assert.Empty(t, client.Published())
}
