package control

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/oig-proxy/internal/errs"
	"github.com/marmos91/oig-proxy/internal/frame"
	"github.com/marmos91/oig-proxy/internal/parser"
	"github.com/marmos91/oig-proxy/internal/persistence"
)

type fakeWriter struct {
	mu       sync.Mutex
	writes   [][]byte
	failNext int
}

func (w *fakeWriter) WriteSetting(frameBytes []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return errs.New(errs.ErrBoxNotConnected, "box not connected")
	}
	w.writes = append(w.writes, frameBytes)
	return nil
}

func (w *fakeWriter) writeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *fakeWriter) lastIDSet(t *testing.T) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.writes)
	idSet, ok := extractIDSet(string(w.writes[len(w.writes)-1]))
	require.True(t, ok)
	return idSet
}

type fakeReadiness struct {
	deviceID     string
	boxConnected bool
	connectedFor time.Duration
	dataFreshFor time.Duration
}

func (r fakeReadiness) DeviceIDKnown() (string, bool) {
	if r.deviceID == "" {
		return "", false
	}
	return r.deviceID, true
}
func (r fakeReadiness) BoxConnected() bool                    { return r.boxConnected }
func (r fakeReadiness) BoxConnectedFor() (time.Duration, bool) { return r.connectedFor, r.boxConnected }
func (r fakeReadiness) DataFreshFor() (time.Duration, bool)    { return r.dataFreshFor, true }

func readyAlways() fakeReadiness {
	return fakeReadiness{deviceID: "DEV1", boxConnected: true, connectedFor: time.Hour, dataFreshFor: time.Second}
}

type recordedPublish struct {
	topic  string
	retain bool
	body   map[string]any
}

type fakePublisher struct {
	mu        sync.Mutex
	published []recordedPublish
}

func (p *fakePublisher) Publish(topic string, payload []byte, retain bool) error {
	var body map[string]any
	_ = json.Unmarshal(payload, &body)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, recordedPublish{topic: topic, retain: retain, body: body})
	return nil
}

func (p *fakePublisher) resultsFor(txID string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]any
	for _, pub := range p.published {
		if pub.topic == "ns/control/result" && pub.body["tx_id"] == txID {
			out = append(out, pub.body)
		}
	}
	return out
}

func (p *fakePublisher) statusesFor(key string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, pub := range p.published {
		if pub.topic == "ns/control/status/"+key {
			out = append(out, pub.body["state"].(string))
		}
	}
	return out
}

func testWhitelist() Whitelist {
	return Whitelist{
		"tbl_box_prms": {
			"MODE": ItemSpec{Kind: "int", Min: 0, Max: 5},
			"SA":   ItemSpec{Kind: "int", Min: 0, Max: 1},
		},
		"tbl_batt_prms": {
			"ChargeCurrent": ItemSpec{Kind: "decimal", Min: 0, Max: 50},
		},
	}
}

func newTestPipeline(t *testing.T, writer BoxWriter, ready Readiness) (*Pipeline, *fakePublisher) {
	pub := &fakePublisher{}
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	cfg := Config{
		Whitelist:      testWhitelist(),
		MaxAttempts:    2,
		RetryDelay:     10 * time.Millisecond,
		BoxReadyFor:    0,
		AckTimeout:     20 * time.Millisecond,
		AppliedTimeout: 20 * time.Millisecond,
		ModeQuiet:      20 * time.Millisecond,
		DataFreshFor:   time.Minute,
	}
	p := New(cfg, writer, pub, ready, "ns", store)
	return p, pub
}

func TestSubmitRejectsNonWhitelistedTable(t *testing.T) {
	p, pub := newTestPipeline(t, &fakeWriter{}, readyAlways())

	err := p.Submit(Request{TxID: "t1", Table: "tbl_unknown", Item: "X", NewValue: "1"})
	require.Error(t, err)
	assert.Equal(t, errs.ErrNotAllowed, errs.CodeOf(err))

	results := pub.resultsFor("t1")
	require.Len(t, results, 1)
	assert.Equal(t, "error", results[0]["status"])
}

func TestSubmitRejectsOutOfRangeMode(t *testing.T) {
	p, pub := newTestPipeline(t, &fakeWriter{}, readyAlways())

	err := p.Submit(Request{TxID: "t1", Table: "tbl_box_prms", Item: "MODE", NewValue: "9"})
	require.Error(t, err)
	assert.Equal(t, errs.ErrBadValue, errs.CodeOf(err))
	assert.Equal(t, "error", pub.resultsFor("t1")[0]["status"])
}

func TestSubmitNoopWhenCacheMatches(t *testing.T) {
	p, pub := newTestPipeline(t, &fakeWriter{}, readyAlways())
	p.UpdateCache("tbl_box_prms", "MODE", "3")

	require.NoError(t, p.Submit(Request{TxID: "t1", Table: "tbl_box_prms", Item: "MODE", NewValue: "3"}))

	results := pub.resultsFor("t1")
	require.Len(t, results, 1)
	assert.Equal(t, "completed", results[0]["status"])
	assert.Equal(t, errs.ErrNoopAlreadySet.String(), results[0]["reason"])
}

func TestSubmitSupersedesQueuedRequestForSameKey(t *testing.T) {
	writer := &fakeWriter{}
	notReady := fakeReadiness{} // never ready, so t1 is still queued when t2 arrives
	p, pub := newTestPipeline(t, writer, notReady)

	require.NoError(t, p.Submit(Request{TxID: "t1", Table: "tbl_box_prms", Item: "MODE", NewValue: "3"}))
	require.NoError(t, p.Submit(Request{TxID: "t2", Table: "tbl_box_prms", Item: "MODE", NewValue: "3"}))

	// t1 was accepted on submit, then superseded by t2.
	results := pub.resultsFor("t1")
	require.Len(t, results, 2)
	assert.Equal(t, "superseded", results[1]["status"])

	assert.Equal(t, 0, writer.writeCount())
}

func TestFullLifecycleNonModeCompletesOnSettingEvent(t *testing.T) {
	writer := &fakeWriter{}
	p, pub := newTestPipeline(t, writer, readyAlways())

	require.NoError(t, p.Submit(Request{TxID: "t1", Table: "tbl_box_prms", Item: "SA", NewValue: "1"}))
	require.Equal(t, 1, writer.writeCount())

	statuses := pub.statusesFor(requestKeyOf("tbl_box_prms", "SA", "1"))
	assert.Contains(t, statuses, "queued")
	assert.Contains(t, statuses, "sent")

	idSet := writer.lastIDSet(t)
	ackInner := "<TblName>tbl_box_prms</TblName><ID_Set>" + idSet + "</ID_Set><Result>ACK</Result>"
	ackFrame := frame.BuildFrame(ackInner, false)
	p.ObserveRecord("conn-1", parser.Record{Table: "tbl_box_prms"}, string(ackFrame))

	eventInner := "<TblName>tbl_events</TblName><Content>Remotely : tbl_box_prms / SA: [0]->[1]</Content>"
	eventFrame := frame.BuildFrame(eventInner, false)
	rec, ok := parser.ParseFrame(eventFrame)
	require.True(t, ok)
	p.ObserveRecord("conn-1", rec, string(eventFrame))

	results := pub.resultsFor("t1")
	require.NotEmpty(t, results)
	assert.Equal(t, "completed", results[len(results)-1]["status"])
}

func TestModeCompletesOnlyAfterInvertorAckQuietWindow(t *testing.T) {
	writer := &fakeWriter{}
	p, pub := newTestPipeline(t, writer, readyAlways())

	require.NoError(t, p.Submit(Request{TxID: "t1", Table: "tbl_box_prms", Item: "MODE", NewValue: "3"}))
	idSet := writer.lastIDSet(t)

	ackInner := "<TblName>tbl_box_prms</TblName><ID_Set>" + idSet + "</ID_Set><Result>ACK</Result>"
	p.ObserveRecord("conn-1", parser.Record{Table: "tbl_box_prms"}, string(frame.BuildFrame(ackInner, false)))

	invInner := "<TblName>tbl_events</TblName><Content>Invertor ACK</Content>"
	invFrame := frame.BuildFrame(invInner, false)
	rec, ok := parser.ParseFrame(invFrame)
	require.True(t, ok)
	p.ObserveRecord("conn-1", rec, string(invFrame))

	results := pub.resultsFor("t1")
	require.NotEmpty(t, results)
	assert.Equal(t, "applied", results[len(results)-1]["status"])

	// Before the quiet window elapses, the transaction has not completed.
	p.Pump()
	results = pub.resultsFor("t1")
	assert.Equal(t, "applied", results[len(results)-1]["status"])

	time.Sleep(30 * time.Millisecond)
	p.Pump()
	results = pub.resultsFor("t1")
	assert.Equal(t, "completed", results[len(results)-1]["status"])
}

func TestSendFailureDeferredThenErrorAfterMaxAttempts(t *testing.T) {
	writer := &fakeWriter{failNext: 2}
	p, pub := newTestPipeline(t, writer, readyAlways())

	require.NoError(t, p.Submit(Request{TxID: "t1", Table: "tbl_box_prms", Item: "SA", NewValue: "1"}))

	time.Sleep(40 * time.Millisecond)
	p.Pump()

	results := pub.resultsFor("t1")
	require.NotEmpty(t, results)
	assert.Equal(t, "error", results[len(results)-1]["status"])
	assert.Equal(t, errs.ErrSendFailed.String(), results[len(results)-1]["reason"])
}

func TestPendingStateRestoredAsErrorRestartAfterReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.SetPendingEntries([]persistence.PendingEntry{
		{TxID: "old-tx", Table: "tbl_box_prms", Item: "MODE", CanonicalValue: "2"},
	}))

	reopened, err := persistence.Open(dir)
	require.NoError(t, err)

	pub := &fakePublisher{}
	cfg := Config{Whitelist: testWhitelist()}
	_ = New(cfg, &fakeWriter{}, pub, readyAlways(), "ns", reopened)

	results := pub.resultsFor("old-tx")
	require.Len(t, results, 1)
	assert.Equal(t, "error", results[0]["status"])
	assert.Equal(t, errs.ErrRestart.String(), results[0]["reason"])

	assert.Empty(t, reopened.PendingEntries())
}

func TestSetWhitelistAppliesToNewSubmissions(t *testing.T) {
	p, pub := newTestPipeline(t, &fakeWriter{}, readyAlways())

	err := p.Submit(Request{TxID: "W1", Table: "tbl_new", Item: "Volt", NewValue: "7"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrNotAllowed))

	p.SetWhitelist(Whitelist{"tbl_new": {"Volt": ItemSpec{Kind: "int", Min: 0, Max: 10}}})

	require.NoError(t, p.Submit(Request{TxID: "W2", Table: "tbl_new", Item: "Volt", NewValue: "7"}))
	results := pub.resultsFor("W2")
	require.NotEmpty(t, results)
	assert.Equal(t, "accepted", results[0]["status"])
}
