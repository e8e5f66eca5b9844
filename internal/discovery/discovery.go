package discovery

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/marmos91/oig-proxy/internal/logger"
)

// Publisher publishes a retained bus message.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// configTemplate is the retained discovery document published once per
// mapped sensor. It is a fixed JSON skeleton with string substitution,
// not a data-interchange concern, so text/template is enough.
var configTemplate = template.Must(template.New("discovery").Parse(`{
  "name": "{{.Name}}",
  "unique_id": "{{.Namespace}}_{{.DeviceID}}_{{.Table}}_{{.Item}}",
  "state_topic": "{{.Namespace}}/{{.DeviceID}}/{{.Table}}/state",
  "value_template": "{{"{{"}} value_json.{{.Item}} {{"}}"}}",
  "availability_topic": "{{.Namespace}}/{{.DeviceID}}/availability"{{if .Unit}},
  "unit_of_measurement": "{{.Unit}}"{{end}}{{if .DeviceClass}},
  "device_class": "{{.DeviceClass}}"{{end}},
  "device": {
    "identifiers": ["{{.Namespace}}_{{.DeviceID}}"],
    "name": "OIG BOX {{.DeviceID}}",
    "manufacturer": "OIG",
    "model": "energy storage"
  }
}`))

type templateData struct {
	Namespace   string
	DeviceID    string
	Table       string
	Item        string
	Name        string
	Unit        string
	DeviceClass string
}

// Emit publishes one retained discovery document per mapped sensor under
// the conventional discovery prefix. Called once after the availability
// "online" message, and again when the device id is first detected.
func Emit(pub Publisher, m *Map, namespace, deviceID string) error {
	if deviceID == "" || deviceID == "AUTO" {
		return fmt.Errorf("discovery: device id not yet known")
	}

	tables := m.Tables()
	sort.Strings(tables)
	for _, table := range tables {
		items := m.Items(table)
		sort.Strings(items)
		for _, item := range items {
			spec, _ := m.Lookup(table, item)
			name := spec.Name
			if name == "" {
				name = table + " " + item
			}

			var buf bytes.Buffer
			err := configTemplate.Execute(&buf, templateData{
				Namespace:   namespace,
				DeviceID:    deviceID,
				Table:       table,
				Item:        item,
				Name:        name,
				Unit:        spec.Unit,
				DeviceClass: spec.DeviceClass,
			})
			if err != nil {
				return fmt.Errorf("discovery: render %s/%s: %w", table, item, err)
			}

			topic := fmt.Sprintf("homeassistant/sensor/%s_%s_%s_%s/config", namespace, deviceID, table, item)
			if err := pub.Publish(topic, buf.Bytes(), true); err != nil {
				logger.Warn("discovery publish failed", logger.BusTopic(topic), logger.Err(err))
				return err
			}
		}
	}
	return nil
}
