// Package orchestrator wires every proxy component together, owns the
// start/shutdown sequencing, and routes parsed BOX frames to the
// persistence, bus-publish, and control subsystems. All shared state
// lives in the named components; the orchestrator itself only holds
// references.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/oig-proxy/internal/boxlistener"
	"github.com/marmos91/oig-proxy/internal/bus"
	"github.com/marmos91/oig-proxy/internal/cloudsession"
	"github.com/marmos91/oig-proxy/internal/config"
	"github.com/marmos91/oig-proxy/internal/control"
	"github.com/marmos91/oig-proxy/internal/control/api"
	"github.com/marmos91/oig-proxy/internal/discovery"
	"github.com/marmos91/oig-proxy/internal/hybrid"
	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/metrics"
	"github.com/marmos91/oig-proxy/internal/persistence"
	"github.com/marmos91/oig-proxy/internal/queue"
	"github.com/marmos91/oig-proxy/internal/status"
)

// pumpInterval drives the control pipeline's deferred/quiet-window
// progress and the deferred snapshot publish checks.
const pumpInterval = time.Second

// busProbeInterval is how often the bus health loop probes IsConnected.
const busProbeInterval = 5 * time.Second

// Orchestrator owns references to every long-lived component and runs
// them to completion.
type Orchestrator struct {
	cfg     *config.Config
	cfgPath string

	sessionID string

	store     *persistence.Store
	queue     *queue.Queue
	publisher *bus.Publisher
	machine   *hybrid.Machine
	cloud     *cloudsession.Session
	listener  *boxlistener.Listener
	pipeline  *control.Pipeline
	reporter  *status.Reporter
	sensors   *discovery.Map

	hybridMetrics *metrics.HybridMetrics
	queueMetrics  *metrics.QueueMetrics
	busMetrics    *metrics.BusMetrics

	inbound chan inboundMessage

	mu              sync.Mutex
	snapshotDevice  string // device the last snapshot/discovery publish ran for
	lastBusState    bus.State
	lastHybridState string
}

// inboundMessage hands a bus-thread callback's payload to the dispatch
// goroutine, so subscription handlers never touch shared state directly.
type inboundMessage struct {
	topic   string
	payload []byte
}

// New builds every component from cfg. client is the message-bus
// connection the publisher drives; tests pass busfake.New(). cfgPath is
// the loaded config file's path, watched for hot-reloadable keys ("" to
// disable watching).
func New(cfg *config.Config, client bus.Client, cfgPath string) (*Orchestrator, error) {
	store, err := persistence.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open persistence: %w", err)
	}

	queueDir := cfg.Queue.DBPath
	if !filepath.IsAbs(queueDir) {
		queueDir = filepath.Join(cfg.DataDir, queueDir)
	}
	q, err := queue.Open(queueDir, cfg.Queue.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open queue: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		cfgPath:   cfgPath,
		sessionID: uuid.NewString(),
		store:     store,
		queue:     q,
		inbound:   make(chan inboundMessage, 64),

		hybridMetrics: metrics.NewHybridMetrics(),
		queueMetrics:  metrics.NewQueueMetrics(),
		busMetrics:    metrics.NewBusMetrics(),
	}

	o.machine = hybrid.New(hybrid.Config{
		Mode:          hybrid.Mode(cfg.Hybrid.Mode),
		FailThreshold: cfg.Hybrid.FailThreshold,
		RetryInterval: cfg.Hybrid.RetryInterval,
	})

	o.cloud = cloudsession.New(cloudsession.Config{
		Host:           cfg.CloudSession.Host,
		Port:           cfg.CloudSession.Port,
		ConnectTimeout: cfg.CloudSession.ConnectTimeout,
		MinReconnect:   cfg.CloudSession.MinReconnect,
		MaxReconnect:   cfg.CloudSession.MaxReconnect,
	})

	o.publisher = bus.NewPublisher(client, q, bus.Config{
		ReplayRate:  cfg.Queue.ReplayRate,
		LastWillTop: cfg.Bus.Namespace + "/" + cfg.Bus.DeviceID + "/availability",
	})

	addr := fmt.Sprintf("%s:%d", cfg.BoxListener.Host, cfg.BoxListener.Port)
	o.listener = boxlistener.New(addr, boxlistener.Config{
		IdleTimeout: cfg.BoxListener.IdleTimeout,
		AckTimeout:  cfg.CloudSession.AckTimeout,
	}, o.cloud, o.machine, o)

	o.pipeline = control.New(control.Config{
		Whitelist:      buildWhitelist(cfg.Control.Whitelist),
		MaxAttempts:    cfg.Control.MaxAttempts,
		RetryDelay:     cfg.Control.RetryDelay,
		BoxReadyFor:    cfg.Control.BoxReadyTimeout,
		AckTimeout:     cfg.Control.AckTimeout,
		AppliedTimeout: cfg.Control.AppliedTimeout,
		ModeQuiet:      cfg.Control.ModeQuiet,
	}, o.listener, o.publisher, o.listener, cfg.Bus.Namespace, store)

	o.reporter = status.New(status.Sources{
		Namespace: cfg.Bus.Namespace,
		SessionID: o.sessionID,
		Publisher: o.publisher,
		Hybrid:    o.machine,
		Box:       o.listener,
		Cloud:     cloudStateAdapter{o.cloud},
		Queue:     q,
		Control:   o.pipeline,
	}, time.Duration(cfg.Status.IntervalSeconds)*time.Second, metrics.NewControlMetrics())

	return o, nil
}

// SessionID returns this process run's control session id.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Pipeline exposes the control pipeline for the HTTP wrapper.
func (o *Orchestrator) Pipeline() *control.Pipeline { return o.pipeline }

// Serve starts every component in order — sensor map, bus, control
// subscriptions, box listener, status loops, bus health loop — and
// blocks until ctx is cancelled or the listener fails fatally. On exit
// it runs the shutdown sequence.
func (o *Orchestrator) Serve(ctx context.Context) error {
	sensors, err := discovery.LoadMap(filepath.Join(o.cfg.DataDir, "sensors.yaml"))
	if err != nil {
		return err
	}
	o.sensors = sensors

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if depth, err := o.queue.Size(); err == nil {
		logger.Info("replay queue ready", logger.QueueDepth(depth), "disk_usage", o.queue.DiskUsage().String())
	}

	if err := o.publisher.Connect(runCtx); err != nil {
		logger.Warn("initial bus connect failed, queueing until reconnect", logger.Err(err))
	}

	if err := o.subscribeControl(); err != nil {
		logger.Warn("control subscription failed", logger.Err(err))
	}

	var wg sync.WaitGroup
	listenerDone := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		listenerDone <- o.listener.Serve(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.dispatchLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reporter.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pumpLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.publisher.RunHealthLoop(runCtx, busProbeInterval)
	}()

	if o.cfgPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.watchConfig(runCtx)
		}()
	}

	apiServer := o.startControlAPI()
	metricsServer := o.startMetrics()

	var serveErr error
	select {
	case <-runCtx.Done():
	case serveErr = <-listenerDone:
		cancel()
	}

	// The listener and every loop drain on cancellation before the
	// shared stores and connections close underneath them.
	wg.Wait()
	o.shutdown(apiServer, metricsServer)

	return serveErr
}

// shutdown stops components in reverse start order: the listener has
// already drained via context cancellation by the time Serve calls this;
// then the HTTP surfaces, the cloud session, the bus connection, and
// finally the persistent stores.
func (o *Orchestrator) shutdown(servers ...*http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", logger.Err(err))
		}
	}

	o.cloud.Close()
	o.publisher.Disconnect()

	if err := o.queue.Close(); err != nil {
		logger.Warn("queue close failed", logger.Err(err))
	}

	logger.Info("orchestrator stopped", logger.SessionID(o.sessionID))
}

// startControlAPI starts the control HTTP wrapper if enabled, returning
// the server for shutdown (nil when disabled).
func (o *Orchestrator) startControlAPI() *http.Server {
	if !o.cfg.ControlAPI.Enabled {
		return nil
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", o.cfg.ControlAPI.Port),
		Handler: api.NewRouter(o.pipeline, o),
	}
	go func() {
		logger.Info("control api listening", "port", o.cfg.ControlAPI.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control api server failed", logger.Err(err))
		}
	}()
	return srv
}

// startMetrics starts the Prometheus endpoint if enabled.
func (o *Orchestrator) startMetrics() *http.Server {
	if !o.cfg.Metrics.Enabled {
		return nil
	}
	metrics.InitRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", o.cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics listening", "port", o.cfg.Metrics.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", logger.Err(err))
		}
	}()
	return srv
}

// Healthy implements api.HealthProvider for GET /api/health.
func (o *Orchestrator) Healthy() (bool, string) {
	state := o.machine.State()
	detail := fmt.Sprintf("mode=%s box_connected=%t cloud_connected=%t",
		state.ConfiguredMode, o.listener.BoxConnected(), o.cloud.IsConnected())
	return true, detail
}

// subscribeControl registers the NS/control/set subscription. The
// handler runs on the bus client's thread; it only posts the payload to
// the inbound channel, never touching shared state.
func (o *Orchestrator) subscribeControl() error {
	topic := o.cfg.Bus.Namespace + "/control/set"
	return o.publisher.Subscribe(topic, func(msgTopic string, payload []byte) {
		select {
		case o.inbound <- inboundMessage{topic: msgTopic, payload: append([]byte(nil), payload...)}:
		default:
			logger.Warn("inbound control message dropped, dispatch backlog full", logger.BusTopic(msgTopic))
		}
	})
}

// dispatchLoop is the single consumer of inbound bus messages.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.inbound:
			o.handleControlSet(msg.payload)
		}
	}
}

// pumpLoop drives the control pipeline's timers, the deferred snapshot
// publish, and the periodic metric gauges.
func (o *Orchestrator) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pipeline.Pump()
			o.maybePublishSnapshots()
			o.updateGauges()
		}
	}
}

// updateGauges refreshes the periodic Prometheus gauges from component
// state. All metric receivers tolerate nil (metrics disabled).
func (o *Orchestrator) updateGauges() {
	if depth, err := o.queue.Size(); err == nil {
		o.queueMetrics.SetDepth(depth)
	}
	if age, ok, err := o.queue.OldestAge(); err == nil && ok {
		o.queueMetrics.SetOldestAgeSeconds(age.Seconds())
	}

	state := o.machine.State()
	hybridState := "online"
	switch {
	case state.ConfiguredMode == hybrid.ModeOffline || state.InOffline:
		hybridState = "offline"
	case state.ConfiguredMode == hybrid.ModeHybrid:
		hybridState = "hybrid"
	}
	o.mu.Lock()
	changed := hybridState != o.lastHybridState
	o.lastHybridState = hybridState
	o.mu.Unlock()
	if changed {
		o.hybridMetrics.SetState(hybridState)
	}
	o.hybridMetrics.SetConsecutiveFailures(state.FailCount)

	o.busMetrics.SetConnected(o.publisher.State() == bus.StateConnected)
}

// maybePublishSnapshots republishes the persisted MODE and PRMS state —
// and the discovery documents — once the device id is known and the bus
// is connected. Re-armed whenever the bus reconnects or the detected
// device changes, per the deferred-publication rule.
func (o *Orchestrator) maybePublishSnapshots() {
	busState := o.publisher.State()

	o.mu.Lock()
	if busState != o.lastBusState {
		if busState == bus.StateConnected {
			o.snapshotDevice = ""
		}
		o.lastBusState = busState
	}
	alreadyFor := o.snapshotDevice
	o.mu.Unlock()

	if busState != bus.StateConnected {
		return
	}
	deviceID := o.deviceID()
	if deviceID == "" || deviceID == alreadyFor {
		return
	}

	o.publishPersistedState(deviceID)

	if err := discovery.Emit(o.publisher, o.sensors, o.cfg.Bus.Namespace, deviceID); err != nil {
		logger.Warn("discovery emit failed", logger.Err(err))
		return
	}

	o.mu.Lock()
	o.snapshotDevice = deviceID
	o.mu.Unlock()
}

// publishPersistedState pushes the persisted MODE and every persisted
// PRMS table row onto the bus as retained state.
func (o *Orchestrator) publishPersistedState(deviceID string) {
	if mode, known := o.store.Mode(); known {
		o.publishTableState(deviceID, "tbl_box_prms",
			map[string]any{"MODE": o.mapValue("tbl_box_prms", "MODE", mode)})
	}
	for table, fields := range o.store.AllPRMS() {
		mapped := make(map[string]any, len(fields))
		for item, value := range fields {
			mapped[item] = o.mapValue(table, item, value)
		}
		o.publishTableState(deviceID, table, mapped)
	}
}

// deviceID returns the effective device id: runtime-detected from BOX
// traffic when available, else the configured one; "AUTO" means unknown.
func (o *Orchestrator) deviceID() string {
	if id, ok := o.listener.DeviceIDKnown(); ok {
		return id
	}
	if id := o.cfg.Bus.DeviceID; id != "" && id != "AUTO" {
		return id
	}
	return ""
}

// cloudStateAdapter narrows *cloudsession.Session to status.CloudState.
type cloudStateAdapter struct {
	s *cloudsession.Session
}

func (a cloudStateAdapter) IsConnected() bool { return a.s.IsConnected() }

func (a cloudStateAdapter) Stats() status.CloudStats {
	st := a.s.Stats()
	return status.CloudStats{
		Connects:    st.Connects,
		Disconnects: st.Disconnects,
		Errors:      st.Errors,
		Timeouts:    st.Timeouts,
	}
}

// buildWhitelist maps the configured table→items lists onto
// normalization specs: MODE is an integer mode ordinal, charge-current
// items are one-decimal floats, everything else passes through verbatim.
func buildWhitelist(configured map[string][]string) control.Whitelist {
	wl := make(control.Whitelist, len(configured))
	for table, items := range configured {
		specs := make(map[string]control.ItemSpec, len(items))
		for _, item := range items {
			specs[item] = specForItem(item)
		}
		wl[table] = specs
	}
	return wl
}

func specForItem(item string) control.ItemSpec {
	switch {
	case item == "MODE":
		return control.ItemSpec{Kind: "int", Min: 0, Max: 5}
	case strings.Contains(item, "Curr"):
		return control.ItemSpec{Kind: "decimal", Min: 0, Max: 200}
	default:
		return control.ItemSpec{}
	}
}
