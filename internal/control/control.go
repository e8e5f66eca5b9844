// Package control implements the setting-write pipeline: external
// set-requests are whitelisted, normalized, sequenced one-at-a-time onto
// the BOX connection as Setting frames, and reconciled against BOX
// acknowledgements and tbl_events rows through a small state machine.
// The pipeline owns the live transaction state; the persistence store
// only records which request keys were non-terminal at last write.
package control

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/oig-proxy/internal/errs"
	"github.com/marmos91/oig-proxy/internal/frame"
	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/parser"
	"github.com/marmos91/oig-proxy/internal/persistence"
)

// ItemSpec describes the normalization rule for one whitelisted item.
type ItemSpec struct {
	Kind string // "int" or "decimal"
	Min  float64
	Max  float64
}

// Whitelist maps table -> item -> normalization spec.
type Whitelist map[string]map[string]ItemSpec

// Config controls whitelist shape and the pipeline's timers.
type Config struct {
	Whitelist      Whitelist
	MaxAttempts    int
	RetryDelay     time.Duration
	BoxReadyFor    time.Duration
	AckTimeout     time.Duration
	AppliedTimeout time.Duration
	ModeQuiet      time.Duration
	DataFreshFor   time.Duration
}

// BoxWriter writes a Setting frame to the currently connected BOX.
// Implemented by *boxlistener.Listener.
type BoxWriter interface {
	WriteSetting(frameBytes []byte) error
}

// Readiness reports whether the pipeline may attempt to start a new
// transaction right now. Implemented by *boxlistener.Listener.
type Readiness interface {
	DeviceIDKnown() (string, bool)
	BoxConnected() bool
	BoxConnectedFor() (time.Duration, bool)
	DataFreshFor() (time.Duration, bool)
}

// Publisher publishes a bus message. Implemented by *bus.Publisher.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Request is an external set-request, as received over the bus or the
// HTTP wrapper.
type Request struct {
	TxID     string
	Table    string
	Item     string
	NewValue string
}

// state names a transaction's position in the inflight lifecycle.
type state string

const (
	stateQueued     state = "queued"
	stateDeferred   state = "deferred"
	stateSent       state = "sent"
	stateAppliedWait state = "applied_wait"
	stateApplied    state = "applied"
)

// transaction is a single in-flight or queued setting write.
type transaction struct {
	txID           string
	requestKey     string
	table          string
	item           string
	canonicalValue string
	idSet          string

	state         state
	attempts      int
	nextAttemptAt time.Time
	lastRelevantAt time.Time
}

// Pipeline owns the queue, the single inflight slot, and the value
// cache used for no-op detection and event reconciliation.
type Pipeline struct {
	cfg       Config
	writer    BoxWriter
	publisher Publisher
	ready     Readiness
	namespace string
	store     *persistence.Store

	nextIDSet atomic.Uint32

	mu              sync.Mutex
	inflight        *transaction
	queue           []*transaction
	cache           map[string]string // "table/item" -> last known canonical value
	sawSARefresh    bool
	pendingSARefresh bool
}

// New constructs a Pipeline. store may be nil to skip persisted pending
// state (tests, or a deployment with control disabled).
func New(cfg Config, writer BoxWriter, publisher Publisher, ready Readiness, namespace string, store *persistence.Store) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.BoxReadyFor <= 0 {
		cfg.BoxReadyFor = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.AppliedTimeout <= 0 {
		cfg.AppliedTimeout = 30 * time.Second
	}
	if cfg.ModeQuiet <= 0 {
		cfg.ModeQuiet = 10 * time.Second
	}
	if cfg.DataFreshFor <= 0 {
		cfg.DataFreshFor = 30 * time.Second
	}
	p := &Pipeline{
		cfg:       cfg,
		writer:    writer,
		publisher: publisher,
		ready:     ready,
		namespace: namespace,
		store:     store,
		cache:     make(map[string]string),
	}
	p.restorePending()
	return p
}

// restorePending re-publishes the last known state of every non-terminal
// transaction as error/restart rather than silently resuming or dropping
// it — the system does not know whether the BOX applied it while the
// proxy was down.
func (p *Pipeline) restorePending() {
	if p.store == nil {
		return
	}
	for _, entry := range p.store.PendingEntries() {
		p.publishResult(entry.TxID, entry.Table, entry.Item, entry.CanonicalValue, "error", errs.ErrRestart.String())
		p.publishStatus(requestKeyOf(entry.Table, entry.Item, entry.CanonicalValue), "error")
	}
	_ = p.store.SetPendingEntries(nil)
}

// UpdateCache records the latest known raw value for table/item, as
// observed from ordinary (non-control) BOX traffic — used for no-op
// detection and to seed the whitelist's sense of "current value".
func (p *Pipeline) UpdateCache(table, item, rawValue string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[table+"/"+item] = rawValue
}

// SetWhitelist replaces the whitelist, applying to requests submitted
// after the call. Queued and inflight transactions keep the rules they
// were admitted under.
func (p *Pipeline) SetWhitelist(wl Whitelist) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Whitelist = wl
}

// Submit validates, normalizes, and enqueues req. A non-nil error means
// the request was rejected outright (not_allowed/bad_value) and was
// already published as such; callers surface it as an HTTP 400 or
// bus-level error result.
func (p *Pipeline) Submit(req Request) error {
	if req.TxID == "" {
		req.TxID = uuid.NewString()
	}

	p.mu.Lock()
	items, ok := p.cfg.Whitelist[req.Table]
	p.mu.Unlock()
	if !ok {
		p.publishResult(req.TxID, req.Table, req.Item, req.NewValue, "error", errs.ErrNotAllowed.String())
		return errs.Newf(errs.ErrNotAllowed, "table %q is not whitelisted", req.Table)
	}
	spec, ok := items[req.Item]
	if !ok {
		p.publishResult(req.TxID, req.Table, req.Item, req.NewValue, "error", errs.ErrNotAllowed.String())
		return errs.Newf(errs.ErrNotAllowed, "item %q/%q is not whitelisted", req.Table, req.Item)
	}

	canonical, err := normalize(spec, req.NewValue)
	if err != nil {
		p.publishResult(req.TxID, req.Table, req.Item, req.NewValue, "error", errs.ErrBadValue.String())
		return errs.Newf(errs.ErrBadValue, "%s/%s: %v", req.Table, req.Item, err)
	}

	requestKey := requestKeyOf(req.Table, req.Item, canonical)

	p.mu.Lock()

	if cached, ok := p.cache[req.Table+"/"+req.Item]; ok && cached == canonical {
		p.mu.Unlock()
		p.publishResult(req.TxID, req.Table, req.Item, canonical, "completed", errs.ErrNoopAlreadySet.String())
		return nil
	}

	p.supersedeLocked(requestKey)

	tx := &transaction{
		txID:           req.TxID,
		requestKey:     requestKey,
		table:          req.Table,
		item:           req.Item,
		canonicalValue: canonical,
		state:          stateQueued,
	}
	p.queue = append(p.queue, tx)
	p.persistPendingLocked()
	p.mu.Unlock()

	p.publishResult(tx.txID, tx.table, tx.item, tx.canonicalValue, "accepted", "")
	p.publishStatus(requestKey, "queued")

	p.Pump()
	return nil
}

// supersedeLocked removes any existing queued or inflight transaction
// for requestKey, publishing "superseded" for it. Caller holds p.mu.
func (p *Pipeline) supersedeLocked(requestKey string) {
	if p.inflight != nil && p.inflight.requestKey == requestKey {
		old := p.inflight
		p.inflight = nil
		p.publishResult(old.txID, old.table, old.item, old.canonicalValue, "superseded", "")
		p.publishStatus(old.requestKey, "clear")
	}

	kept := p.queue[:0]
	for _, tx := range p.queue {
		if tx.requestKey == requestKey {
			p.publishResult(tx.txID, tx.table, tx.item, tx.canonicalValue, "superseded", "")
			p.publishStatus(tx.requestKey, "clear")
			continue
		}
		kept = append(kept, tx)
	}
	p.queue = kept
}

// Pump attempts to start the next queued transaction if the one-slot is
// free, readiness passes, and a transaction is due. It also enforces the
// ack/applied/quiet timeouts on the current inflight transaction. Meant
// to be called by Submit and by a periodic caller (orchestrator ticker)
// so deferred/quiet transitions make progress even with no new traffic.
func (p *Pipeline) Pump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkInflightTimeoutsLocked()
	p.tryStartLocked()
	p.checkPostDrainRefreshLocked()
}

func (p *Pipeline) tryStartLocked() {
	if p.inflight != nil {
		return
	}
	if len(p.queue) == 0 {
		return
	}
	tx := p.queue[0]
	if !tx.nextAttemptAt.IsZero() && time.Now().Before(tx.nextAttemptAt) {
		return
	}
	if !p.readinessOK() {
		return
	}

	p.queue = p.queue[1:]

	tx.idSet = strconv.FormatUint(uint64(p.nextIDSet.Add(1)), 10)
	settingFrame := buildSettingFrame(tx.table, tx.item, tx.canonicalValue, tx.idSet)

	if err := p.writer.WriteSetting(settingFrame); err != nil {
		tx.attempts++
		if tx.attempts < p.cfg.MaxAttempts {
			tx.state = stateDeferred
			tx.nextAttemptAt = time.Now().Add(p.cfg.RetryDelay)
			p.queue = append(p.queue, tx)
			p.persistPendingLocked()
			return
		}
		p.finishLocked(tx, "error", errs.ErrSendFailed.String())
		return
	}

	tx.state = stateSent
	tx.lastRelevantAt = time.Now()
	p.inflight = tx
	p.persistPendingLocked()
	p.publishStatus(tx.requestKey, "sent")
	p.publishResult(tx.txID, tx.table, tx.item, tx.canonicalValue, "sent_to_box", "")
}

func (p *Pipeline) readinessOK() bool {
	if p.ready == nil {
		return true
	}
	if _, ok := p.ready.DeviceIDKnown(); !ok {
		return false
	}
	if !p.ready.BoxConnected() {
		return false
	}
	if connectedFor, ok := p.ready.BoxConnectedFor(); !ok || connectedFor < p.cfg.BoxReadyFor {
		return false
	}
	freshFor, ok := p.ready.DataFreshFor()
	return ok && freshFor <= p.cfg.DataFreshFor
}

// checkInflightTimeoutsLocked advances or fails the inflight transaction
// when its ack, applied, or quiet-window deadline has elapsed.
func (p *Pipeline) checkInflightTimeoutsLocked() {
	tx := p.inflight
	if tx == nil {
		return
	}
	elapsed := time.Since(tx.lastRelevantAt)

	switch tx.state {
	case stateSent:
		if elapsed < p.cfg.AckTimeout {
			return
		}
		tx.attempts++
		if tx.attempts < p.cfg.MaxAttempts {
			tx.state = stateDeferred
			tx.nextAttemptAt = time.Now().Add(p.cfg.RetryDelay)
			p.inflight = nil
			p.queue = append([]*transaction{tx}, p.queue...)
			p.persistPendingLocked()
			return
		}
		p.finishLocked(tx, "error", errs.ErrAckTimeout.String())

	case stateAppliedWait:
		if elapsed < p.cfg.AppliedTimeout {
			return
		}
		p.finishLocked(tx, "error", errs.ErrAppliedTimeout.String())

	case stateApplied:
		if elapsed < p.cfg.ModeQuiet {
			return
		}
		p.finishLocked(tx, "completed", "")
	}
}

// checkPostDrainRefreshLocked enqueues a synthetic SA refresh once the
// queue empties, unless the last completed transaction was already an SA
// write to tbl_box_prms.
func (p *Pipeline) checkPostDrainRefreshLocked() {
	if p.inflight != nil || len(p.queue) != 0 {
		return
	}
	if p.pendingSARefresh || p.sawSARefresh {
		return
	}
	p.pendingSARefresh = true
	tx := &transaction{
		txID:           uuid.NewString(),
		requestKey:     requestKeyOf("tbl_box_prms", "SA", "refresh"),
		table:          "tbl_box_prms",
		item:           "SA",
		canonicalValue: "refresh",
		state:          stateQueued,
	}
	p.queue = append(p.queue, tx)
}

// finishLocked publishes the terminal result/status for tx and clears it
// from both the inflight slot and persisted pending state.
func (p *Pipeline) finishLocked(tx *transaction, status, reason string) {
	if p.inflight == tx {
		p.inflight = nil
	}
	p.cache[tx.table+"/"+tx.item] = tx.canonicalValue
	p.sawSARefresh = tx.table == "tbl_box_prms" && tx.item == "SA"
	p.pendingSARefresh = false
	p.persistPendingLocked()
	p.publishResult(tx.txID, tx.table, tx.item, tx.canonicalValue, status, reason)
	if status == "completed" {
		p.publishStatus(tx.requestKey, "applied")
	} else {
		p.publishStatus(tx.requestKey, "error")
	}
}

// persistPendingLocked snapshots every non-terminal transaction (queued,
// deferred, sent, applied_wait, applied) to disk.
func (p *Pipeline) persistPendingLocked() {
	if p.store == nil {
		return
	}
	entries := make([]persistence.PendingEntry, 0, len(p.queue)+1)
	if p.inflight != nil {
		entries = append(entries, persistence.PendingEntry{
			TxID: p.inflight.txID, Table: p.inflight.table, Item: p.inflight.item, CanonicalValue: p.inflight.canonicalValue,
		})
	}
	for _, tx := range p.queue {
		entries = append(entries, persistence.PendingEntry{
			TxID: tx.txID, Table: tx.table, Item: tx.item, CanonicalValue: tx.canonicalValue,
		})
	}
	if err := p.store.SetPendingEntries(entries); err != nil {
		logger.Warn("control pending state persist failed", logger.Err(err))
	}
}

var eventLineRe = regexp.MustCompile(`(\S+)\s*/\s*(\S+):\s*\[([^\]]*)\]->\[([^\]]*)\]`)

// parseSettingEvent extracts (table, item, oldValue, newValue) from a
// tbl_events content string of the form "… : {table} / {item}: [OLD]->[NEW]".
func parseSettingEvent(content string) (table, item, oldValue, newValue string, ok bool) {
	m := eventLineRe.FindStringSubmatch(content)
	if m == nil {
		return "", "", "", "", false
	}
	return m[1], m[2], m[3], m[4], true
}

// ObserveRecord implements boxlistener.RecordObserver: every parsed BOX
// frame is checked for a Setting acknowledgement (matching ID_Set), an
// Invertor ACK, or a generic setting_event_match row.
func (p *Pipeline) ObserveRecord(connID string, rec parser.Record, rawInner string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if items, ok := p.cfg.Whitelist[rec.Table]; ok {
		for item, spec := range items {
			raw, present := rec.Fields[item]
			if !present {
				continue
			}
			if canonical, err := normalize(spec, fmt.Sprint(raw)); err == nil {
				p.cache[rec.Table+"/"+item] = canonical
			}
		}
	}

	if p.inflight != nil && p.inflight.state == stateSent {
		if idSet, ok := extractIDSet(rawInner); ok && idSet == p.inflight.idSet {
			p.inflight.state = stateAppliedWait
			p.inflight.lastRelevantAt = time.Now()
			p.publishStatus(p.inflight.requestKey, "sent")
		}
	}

	if rec.Table != "tbl_events" {
		return
	}
	content, ok := rec.Fields["Content"].(string)
	if !ok {
		return
	}

	if p.inflight == nil {
		return
	}
	tx := p.inflight

	if content == "Invertor ACK" && tx.item == "MODE" && tx.state == stateAppliedWait {
		tx.state = stateApplied
		tx.lastRelevantAt = time.Now()
		p.publishResult(tx.txID, tx.table, tx.item, tx.canonicalValue, "applied", "")
		p.publishStatus(tx.requestKey, "applied")
		return
	}
	if content == "Invertor ACK" && tx.item == "MODE" && tx.state == stateApplied {
		// Further acks while the quiet window is running push the
		// completion deadline back out rather than firing again.
		tx.lastRelevantAt = time.Now()
		return
	}

	// MODE never completes off a setting_event row: it only reaches
	// "applied" via the Invertor ACK above and rides the quiet window.
	if tx.item == "MODE" {
		return
	}

	table, item, _, newValue, ok := parseSettingEvent(content)
	if !ok || table != tx.table || item != tx.item || newValue != tx.canonicalValue {
		return
	}
	p.finishLocked(tx, "completed", "")
}

var idSetRe = regexp.MustCompile(`<ID_Set>(\d+)</ID_Set>`)

func extractIDSet(rawInner string) (string, bool) {
	m := idSetRe.FindStringSubmatch(rawInner)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// buildSettingFrame wraps a Setting write for table/item/value in the
// standard frame envelope, stamped with idSet for ack matching.
func buildSettingFrame(table, item, value, idSet string) []byte {
	inner := fmt.Sprintf(
		"<TblName>%s</TblName><TblItem>%s</TblItem><NewValue>%s</NewValue><ID_Set>%s</ID_Set><Reason>Setting</Reason>",
		table, item, value, idSet,
	)
	return frame.BuildFrame(inner, false)
}

func requestKeyOf(table, item, canonicalValue string) string {
	return table + "/" + item + "/" + canonicalValue
}

// normalize converts a raw request value into its canonical wire form:
// integers within [Min,Max] for "int" items, one-decimal floats for
// "decimal" items.
func normalize(spec ItemSpec, raw string) (string, error) {
	switch spec.Kind {
	case "int":
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "", fmt.Errorf("not an integer: %q", raw)
		}
		if float64(n) < spec.Min || float64(n) > spec.Max {
			return "", fmt.Errorf("%d out of range [%g,%g]", n, spec.Min, spec.Max)
		}
		return strconv.Itoa(n), nil
	case "decimal":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", fmt.Errorf("not a number: %q", raw)
		}
		if f < spec.Min || f > spec.Max {
			return "", fmt.Errorf("%g out of range [%g,%g]", f, spec.Min, spec.Max)
		}
		return strconv.FormatFloat(f, 'f', 1, 64), nil
	default:
		return raw, nil
	}
}

// resultMessage is the JSON payload published on NS/control/result.
type resultMessage struct {
	TxID     string `json:"tx_id"`
	Table    string `json:"tbl_name"`
	Item     string `json:"tbl_item"`
	Value    string `json:"new_value"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

func (p *Pipeline) publishResult(txID, table, item, value, status, reason string) {
	if p.publisher == nil {
		return
	}
	payload, err := json.Marshal(resultMessage{TxID: txID, Table: table, Item: item, Value: value, Status: status, Reason: reason})
	if err != nil {
		logger.Warn("control result marshal failed", logger.Err(err))
		return
	}
	topic := p.namespace + "/control/result"
	if err := p.publisher.Publish(topic, payload, false); err != nil {
		logger.Warn("control result publish failed", logger.BusTopic(topic), logger.Err(err))
	}
}

// statusMessage is the JSON payload retained on NS/control/status/{key}.
type statusMessage struct {
	State string `json:"state"`
}

func (p *Pipeline) publishStatus(requestKey, state string) {
	if p.publisher == nil {
		return
	}
	payload, err := json.Marshal(statusMessage{State: state})
	if err != nil {
		logger.Warn("control status marshal failed", logger.Err(err))
		return
	}
	topic := p.namespace + "/control/status/" + requestKey
	if err := p.publisher.Publish(topic, payload, true); err != nil {
		logger.Warn("control status publish failed", logger.BusTopic(topic), logger.Err(err))
	}
}

// Summary describes current queue/inflight shape for the status reporter.
type Summary struct {
	QueuedKeys []string
	Inflight   string
}

// Snapshot returns the current queue and inflight state for the status reporter.
func (p *Pipeline) Snapshot() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{QueuedKeys: make([]string, 0, len(p.queue))}
	for _, tx := range p.queue {
		s.QueuedKeys = append(s.QueuedKeys, tx.requestKey)
	}
	if p.inflight != nil {
		s.Inflight = fmt.Sprintf("%s=%s (%s, attempt %d)", p.inflight.requestKey, p.inflight.canonicalValue, p.inflight.state, p.inflight.attempts)
	}
	return s
}
