package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/oig-proxy/internal/bus/busfake"
	"github.com/marmos91/oig-proxy/internal/config"
	"github.com/marmos91/oig-proxy/internal/discovery"
	"github.com/marmos91/oig-proxy/internal/frame"
	"github.com/marmos91/oig-proxy/internal/parser"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *busfake.Client) {
	t.Helper()

	cfg := config.GetDefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Bus.DeviceID = "123"
	cfg.Metrics.Enabled = false
	cfg.ControlAPI.Enabled = false
	cfg.Control.Whitelist = map[string][]string{
		"tbl_box_prms": {"MODE", "MaxChargeCurr"},
	}

	client := busfake.New()
	o, err := New(cfg, client, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.queue.Close() })

	require.NoError(t, o.publisher.Connect(context.Background()))
	return o, client
}

func parseTestFrame(t *testing.T, inner string) parser.Record {
	t.Helper()
	rec, ok := parser.ParseFrame(frame.BuildFrame(inner, false))
	require.True(t, ok)
	return rec
}

func publishesTo(client *busfake.Client, topic string) ([]byte, bool) {
	var payload []byte
	found := false
	for _, entry := range client.Published() {
		if entry.Topic == topic {
			payload = entry.Payload
			found = true
		}
	}
	return payload, found
}

func TestObserveRecordPublishesTableState(t *testing.T) {
	o, client := newTestOrchestrator(t)

	inner := "<TblName>tbl_actual</TblName><ID_Device>123</ID_Device><X>1</X>"
	rec := parseTestFrame(t, inner)
	o.ObserveRecord("conn-1", rec, inner)

	payload, ok := publishesTo(client, "oig_local/123/tbl_actual/state")
	require.True(t, ok)

	var row map[string]any
	require.NoError(t, json.Unmarshal(payload, &row))
	assert.EqualValues(t, 1, row["X"])
}

func TestObserveRecordPersistsModeFromPrms(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	inner := "<TblName>tbl_box_prms</TblName><ID_Device>123</ID_Device><MODE>3</MODE>"
	o.ObserveRecord("conn-1", parseTestFrame(t, inner), inner)

	mode, known := o.store.Mode()
	require.True(t, known)
	assert.Equal(t, 3, mode)
}

func TestObserveRecordPersistsModeFromEvent(t *testing.T) {
	o, client := newTestOrchestrator(t)

	inner := "<TblName>tbl_events</TblName><ID_Device>123</ID_Device><Content>Cloud: MODE: [0]->[2]</Content>"
	o.ObserveRecord("conn-1", parseTestFrame(t, inner), inner)

	mode, known := o.store.Mode()
	require.True(t, known)
	assert.Equal(t, 2, mode)

	payload, ok := publishesTo(client, "oig_local/123/tbl_box_prms/state")
	require.True(t, ok)
	var row map[string]any
	require.NoError(t, json.Unmarshal(payload, &row))
	assert.EqualValues(t, 2, row["MODE"])
}

func TestObserveRecordIgnoresOutOfRangeMode(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	inner := "<TblName>tbl_box_prms</TblName><ID_Device>123</ID_Device><MODE>9</MODE>"
	o.ObserveRecord("conn-1", parseTestFrame(t, inner), inner)

	_, known := o.store.Mode()
	assert.False(t, known)
}

func TestObserveRecordMergesPRMS(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	inner := "<TblName>tbl_box_prms</TblName><ID_Device>123</ID_Device><MODE>1</MODE><SSR1>0</SSR1>"
	o.ObserveRecord("conn-1", parseTestFrame(t, inner), inner)

	fields, ok := o.store.PRMSTable("tbl_box_prms")
	require.True(t, ok)
	assert.EqualValues(t, 1, fields["MODE"])
	assert.EqualValues(t, 0, fields["SSR1"])

	// tbl_actual is high-frequency and never persisted.
	actual := "<TblName>tbl_actual</TblName><ID_Device>123</ID_Device><X>5</X>"
	o.ObserveRecord("conn-1", parseTestFrame(t, actual), actual)
	_, ok = o.store.PRMSTable("tbl_actual")
	assert.False(t, ok)
}

func TestPublishTableStateMergesOverCache(t *testing.T) {
	o, client := newTestOrchestrator(t)

	o.publishTableState("123", "tbl_box_prms", map[string]any{"MODE": 0, "SSR1": 1})
	o.publishTableState("123", "tbl_box_prms", map[string]any{"MODE": 3})

	payload, ok := publishesTo(client, "oig_local/123/tbl_box_prms/state")
	require.True(t, ok)
	var row map[string]any
	require.NoError(t, json.Unmarshal(payload, &row))
	assert.EqualValues(t, 3, row["MODE"])
	assert.EqualValues(t, 1, row["SSR1"], "previously seen items survive a partial update")
}

func TestApplySettingEventRepublishesOptimistically(t *testing.T) {
	o, client := newTestOrchestrator(t)

	o.publishTableState("123", "tbl_box_prms", map[string]any{"MODE": 0, "SSR1": 0})

	inner := "<TblName>tbl_events</TblName><ID_Device>123</ID_Device><Content>Setting applied: tbl_box_prms / SSR1: [0]->[1]</Content>"
	o.ObserveRecord("conn-1", parseTestFrame(t, inner), inner)

	payload, ok := publishesTo(client, "oig_local/123/tbl_box_prms/state")
	require.True(t, ok)
	var row map[string]any
	require.NoError(t, json.Unmarshal(payload, &row))
	assert.EqualValues(t, "1", row["SSR1"])
	assert.EqualValues(t, 0, row["MODE"])
}

func TestHandleControlSetRejectsUnknownConfirm(t *testing.T) {
	o, client := newTestOrchestrator(t)

	o.handleControlSet([]byte(`{"tx_id":"T1","tbl_name":"tbl_box_prms","tbl_item":"MODE","new_value":"3","confirm":"Maybe"}`))

	payload, ok := publishesTo(client, "oig_local/control/result")
	require.True(t, ok)
	var result map[string]string
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "T1", result["tx_id"])
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "bad_value", result["reason"])
}

func TestHandleControlSetSubmitsRecognizedConfirm(t *testing.T) {
	o, client := newTestOrchestrator(t)

	o.handleControlSet([]byte(`{"tx_id":"T2","tbl_name":"tbl_box_prms","tbl_item":"MODE","new_value":"3","confirm":"New"}`))

	payload, ok := publishesTo(client, "oig_local/control/result")
	require.True(t, ok)
	var result map[string]any
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "T2", result["tx_id"])
	assert.Equal(t, "accepted", result["status"])
}

func TestBuildWhitelistSpecs(t *testing.T) {
	wl := buildWhitelist(map[string][]string{
		"tbl_box_prms": {"MODE", "MaxChargeCurr", "SSR1"},
	})

	require.Contains(t, wl, "tbl_box_prms")
	assert.Equal(t, "int", wl["tbl_box_prms"]["MODE"].Kind)
	assert.Equal(t, 5.0, wl["tbl_box_prms"]["MODE"].Max)
	assert.Equal(t, "decimal", wl["tbl_box_prms"]["MaxChargeCurr"].Kind)
	assert.Equal(t, "", wl["tbl_box_prms"]["SSR1"].Kind)
}

func TestSnapshotPublishRunsOncePerDevice(t *testing.T) {
	o, client := newTestOrchestrator(t)
	o.sensors = discovery.Default()
	require.NoError(t, o.store.SetMode(3))

	o.maybePublishSnapshots()
	first := len(client.Published())

	_, ok := publishesTo(client, "oig_local/123/tbl_box_prms/state")
	assert.True(t, ok, "persisted MODE republished")

	discoverySeen := false
	for _, entry := range client.Published() {
		if strings.HasPrefix(entry.Topic, "homeassistant/sensor/") {
			discoverySeen = true
			assert.True(t, entry.Retain)
		}
	}
	assert.True(t, discoverySeen, "discovery documents emitted")

	o.maybePublishSnapshots()
	assert.Equal(t, first, len(client.Published()), "no republish for the same device")
}

func TestSnapshotPublishRearmsOnReconnect(t *testing.T) {
	o, client := newTestOrchestrator(t)
	o.sensors = discovery.Default()
	require.NoError(t, o.store.SetMode(1))

	o.maybePublishSnapshots()
	first := len(client.Published())

	// Drop and restore the bus connection; the retained snapshots are
	// republished for the same device.
	o.publisher.Disconnect()
	o.maybePublishSnapshots()
	assert.Equal(t, first, len(client.Published()))

	require.NoError(t, o.publisher.Connect(context.Background()))
	o.maybePublishSnapshots()
	assert.Greater(t, len(client.Published()), first)
}
