package orchestrator

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/marmos91/oig-proxy/internal/control"
	"github.com/marmos91/oig-proxy/internal/errs"
	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/parser"
)

// ObserveRecord implements boxlistener.RecordObserver: every parsed BOX
// frame fans out to the control pipeline, the MODE/PRMS persistence, and
// the bus table-state publish, in that order.
func (o *Orchestrator) ObserveRecord(connID string, rec parser.Record, rawInner string) {
	o.pipeline.ObserveRecord(connID, rec, rawInner)

	o.detectMode(rec)
	o.persistPRMS(rec)
	o.publishRecord(rec)
	o.applySettingEvent(rec)
}

// detectMode watches the two MODE sources — a MODE field on tbl_box_prms
// and a MODE transition line on tbl_events — and persists+publishes a
// changed, in-range value.
func (o *Orchestrator) detectMode(rec parser.Record) {
	candidate, ok := modeCandidate(rec)
	if !ok {
		return
	}
	if candidate < 0 || candidate > 5 {
		logger.Warn("mode value out of range, ignoring", logger.Table(rec.Table), "mode", candidate)
		return
	}

	current, known := o.store.Mode()
	if known && current == candidate {
		return
	}

	if err := o.store.SetMode(candidate); err != nil {
		logger.Warn("mode snapshot persist failed", logger.Err(err))
	}
	logger.Info("mode changed", logger.Table(rec.Table), "mode", candidate)

	// A tbl_box_prms row reaches the state topic through publishRecord;
	// only the tbl_events transition line needs an explicit publish.
	if rec.Table != "tbl_events" {
		return
	}
	if deviceID := o.recordDevice(rec); deviceID != "" {
		o.publishTableState(deviceID, "tbl_box_prms",
			map[string]any{"MODE": o.mapValue("tbl_box_prms", "MODE", candidate)})
	}
}

func modeCandidate(rec parser.Record) (int, bool) {
	if rec.Table == "tbl_box_prms" {
		if raw, ok := rec.Fields["MODE"]; ok {
			return toInt(raw)
		}
		return 0, false
	}
	if rec.Table == "tbl_events" {
		if content, ok := rec.Fields["Content"].(string); ok {
			return parser.ExtractModeFromEvent(content)
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// persistPRMS merges eligible table rows (tbl_* minus the high-frequency
// tbl_actual) into the crash-safe PRMS snapshot.
func (o *Orchestrator) persistPRMS(rec parser.Record) {
	if !strings.HasPrefix(rec.Table, "tbl_") || rec.Table == "tbl_actual" {
		return
	}
	if len(rec.Fields) == 0 {
		return
	}
	if err := o.store.MergePRMS(rec.Table, rec.Fields); err != nil {
		logger.Warn("prms snapshot persist failed", logger.Table(rec.Table), logger.Err(err))
	}
}

// publishRecord publishes a parsed data-table row as retained JSON on
// NS/{device_id}/{table}/state, with sensor-map value translation.
func (o *Orchestrator) publishRecord(rec parser.Record) {
	if !strings.HasPrefix(rec.Table, "tbl_") || len(rec.Fields) == 0 {
		return
	}
	deviceID := o.recordDevice(rec)
	if deviceID == "" {
		return
	}

	mapped := make(map[string]any, len(rec.Fields))
	for item, value := range rec.Fields {
		mapped[item] = o.mapValue(rec.Table, item, value)
	}
	o.publishTableState(deviceID, rec.Table, mapped)
}

func (o *Orchestrator) mapValue(table, item string, value any) any {
	if o.sensors == nil {
		return value
	}
	return o.sensors.MapValue(table, item, value)
}

// recordDevice prefers the frame's own device id, falling back to the
// detected/configured one.
func (o *Orchestrator) recordDevice(rec parser.Record) string {
	if rec.DeviceID != "" {
		return rec.DeviceID
	}
	return o.deviceID()
}

// publishTableState merges fields over the cached retained payload for
// the table's state topic and publishes the result retained, so partial
// rows never erase previously seen items.
func (o *Orchestrator) publishTableState(deviceID, table string, fields map[string]any) {
	topic := o.cfg.Bus.Namespace + "/" + deviceID + "/" + table + "/state"

	merged := fields
	if cached, ok := o.publisher.CachedPayload(topic); ok {
		var previous map[string]any
		if err := json.Unmarshal(cached, &previous); err == nil {
			for k, v := range fields {
				previous[k] = v
			}
			merged = previous
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		logger.Warn("table state marshal failed", logger.Table(table), logger.Err(err))
		return
	}
	if err := o.publisher.Publish(topic, payload, true); err != nil {
		logger.Warn("table state publish failed", logger.BusTopic(topic), logger.Err(err))
	}
}

// settingEventRe matches the applied-setting line a tbl_events row
// carries: "... : {table} / {item}: [OLD]->[NEW]".
var settingEventRe = regexp.MustCompile(`(\S+)\s*/\s*(\S+):\s*\[[^\]]*\]->\[([^\]]*)\]`)

// applySettingEvent republishes the optimistic state for a table whose
// setting was just observed applied, so downstream consumers see the new
// value before the next natural refresh.
func (o *Orchestrator) applySettingEvent(rec parser.Record) {
	if rec.Table != "tbl_events" {
		return
	}
	content, ok := rec.Fields["Content"].(string)
	if !ok {
		return
	}
	m := settingEventRe.FindStringSubmatch(content)
	if m == nil {
		return
	}
	table, item, newValue := m[1], m[2], m[3]

	deviceID := o.recordDevice(rec)
	if deviceID == "" {
		return
	}
	o.publishTableState(deviceID, table, map[string]any{item: o.mapValue(table, item, newValue)})
}

// setMessage is the JSON shape arriving on NS/control/set.
type setMessage struct {
	TxID     string `json:"tx_id"`
	TblName  string `json:"tbl_name"`
	TblItem  string `json:"tbl_item"`
	NewValue string `json:"new_value"`
	Confirm  string `json:"confirm,omitempty"`
}

// handleControlSet decodes a bus set-request and hands it to the control
// pipeline. Submit publishes its own rejection results; decode failures
// are only loggable since there is no tx_id to answer under.
func (o *Orchestrator) handleControlSet(payload []byte) {
	var msg setMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Warn("control set message decode failed", logger.Err(err))
		return
	}

	if msg.Confirm != "" && msg.Confirm != "New" && msg.Confirm != "Saved" {
		logger.Warn("control set message carries unrecognized confirm",
			logger.TxID(msg.TxID), "confirm", msg.Confirm)
		o.publishConfirmRejection(msg)
		return
	}

	err := o.pipeline.Submit(control.Request{
		TxID:     msg.TxID,
		Table:    msg.TblName,
		Item:     msg.TblItem,
		NewValue: msg.NewValue,
	})
	if err != nil {
		logger.Info("control set request rejected",
			logger.TxID(msg.TxID), logger.ControlTable(msg.TblName), logger.Err(err))
	}
}

// publishConfirmRejection answers a request whose Confirm value is
// outside the two recognized ones without entering the pipeline.
func (o *Orchestrator) publishConfirmRejection(msg setMessage) {
	payload, err := json.Marshal(map[string]string{
		"tx_id":     msg.TxID,
		"tbl_name":  msg.TblName,
		"tbl_item":  msg.TblItem,
		"new_value": msg.NewValue,
		"status":    "error",
		"reason":    errs.ErrBadValue.String(),
	})
	if err != nil {
		return
	}
	topic := o.cfg.Bus.Namespace + "/control/result"
	if err := o.publisher.Publish(topic, payload, false); err != nil {
		logger.Warn("control result publish failed", logger.BusTopic(topic), logger.Err(err))
	}
}
