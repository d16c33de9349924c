package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type Snapshot struct {
	ChunksRead        uint64 `json:"chunks_read"`
	LogEvents         uint64 `json:"log_events"`
	ProcessEvents     uint64 `json:"process_events"`
	RestartsExtracted uint64 `json:"restarts_extracted"`
	RestartMisses     uint64 `json:"restart_misses"`
	PendingOverwrites uint64 `json:"pending_overwrites"`
	PendingExpired    uint64 `json:"pending_expired"`
	ParseErrors       uint64 `json:"parse_errors"`
	MatchedOnline     uint64 `json:"matched_online"`
	UnmatchedOnline   uint64 `json:"unmatched_online"`
	AlertsSent        uint64 `json:"alerts_sent"`
	SendFailures      uint64 `json:"send_failures"`
	Reconnects        uint64 `json:"reconnects"`
}

type counter struct {
	n    atomic.Uint64
	prom prometheus.Counter
}

func (c *counter) inc() {
	c.n.Add(1)
	c.prom.Inc()
}

func (c *counter) load() uint64 {
	return c.n.Load()
}

// Diagnostics counts pipeline outcomes. Every counter is also exported to
// Prometheus under the pm2_alerter namespace.
type Diagnostics struct {
	chunksRead        *counter
	logEvents         *counter
	processEvents     *counter
	restartsExtracted *counter
	restartMisses     *counter
	pendingOverwrites *counter
	pendingExpired    *counter
	parseErrors       *counter
	matchedOnline     *counter
	unmatchedOnline   *counter
	alertsSent        *counter
	sendFailures      *counter
	reconnects        *counter
	pending           prometheus.Gauge
}

func NewDiagnostics(reg prometheus.Registerer) *Diagnostics {
	f := promauto.With(reg)
	newCounter := func(name, help string) *counter {
		return &counter{prom: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pm2_alerter",
			Name:      name,
			Help:      help,
		})}
	}

	return &Diagnostics{
		chunksRead:        newCounter("chunks_read_total", "Chunks read from the PM2 bus socket"),
		logEvents:         newCounter("log_events_total", "Chunks carrying a PM2 log event"),
		processEvents:     newCounter("process_events_total", "Chunks carrying a PM2 process event"),
		restartsExtracted: newCounter("memory_restarts_total", "Max-memory-restart kills with a process id"),
		restartMisses:     newCounter("memory_restart_misses_total", "Max-memory-restart lines without a parsable process id"),
		pendingOverwrites: newCounter("pending_overwrites_total", "Pending ids replaced before their online event"),
		pendingExpired:    newCounter("pending_expired_total", "Pending ids dropped by the ttl"),
		parseErrors:       newCounter("process_event_parse_errors_total", "Online events whose embedded object failed to decode"),
		matchedOnline:     newCounter("matched_online_total", "Online events matching the pending id"),
		unmatchedOnline:   newCounter("unmatched_online_total", "Online events not matching the pending id"),
		alertsSent:        newCounter("alerts_sent_total", "Alerts delivered to every sink"),
		sendFailures:      newCounter("alert_send_failures_total", "Alerts with at least one failed sink"),
		reconnects:        newCounter("source_reconnects_total", "Reconnects to the PM2 bus socket"),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pm2_alerter",
			Name:      "pending_restart",
			Help:      "1 while a memory restart waits for its online event",
		}),
	}
}

func (d *Diagnostics) IncChunksRead()        { d.chunksRead.inc() }
func (d *Diagnostics) IncLogEvents()         { d.logEvents.inc() }
func (d *Diagnostics) IncProcessEvents()     { d.processEvents.inc() }
func (d *Diagnostics) IncRestartsExtracted() { d.restartsExtracted.inc() }
func (d *Diagnostics) IncRestartMisses()     { d.restartMisses.inc() }
func (d *Diagnostics) IncPendingOverwrites() { d.pendingOverwrites.inc() }
func (d *Diagnostics) IncPendingExpired()    { d.pendingExpired.inc() }
func (d *Diagnostics) IncParseErrors()       { d.parseErrors.inc() }
func (d *Diagnostics) IncMatchedOnline()     { d.matchedOnline.inc() }
func (d *Diagnostics) IncUnmatchedOnline()   { d.unmatchedOnline.inc() }
func (d *Diagnostics) IncAlertsSent()        { d.alertsSent.inc() }
func (d *Diagnostics) IncSendFailures()      { d.sendFailures.inc() }
func (d *Diagnostics) IncReconnects()        { d.reconnects.inc() }

func (d *Diagnostics) SetPending(armed bool) {
	if armed {
		d.pending.Set(1)
		return
	}
	d.pending.Set(0)
}

func (d *Diagnostics) Snapshot() Snapshot {
	return Snapshot{
		ChunksRead:        d.chunksRead.load(),
		LogEvents:         d.logEvents.load(),
		ProcessEvents:     d.processEvents.load(),
		RestartsExtracted: d.restartsExtracted.load(),
		RestartMisses:     d.restartMisses.load(),
		PendingOverwrites: d.pendingOverwrites.load(),
		PendingExpired:    d.pendingExpired.load(),
		ParseErrors:       d.parseErrors.load(),
		MatchedOnline:     d.matchedOnline.load(),
		UnmatchedOnline:   d.unmatchedOnline.load(),
		AlertsSent:        d.alertsSent.load(),
		SendFailures:      d.sendFailures.load(),
		Reconnects:        d.reconnects.load(),
	}
}

func StartDiagnosticsReporter(ctx context.Context, diagnostics *Diagnostics, interval time.Duration, logger *zap.SugaredLogger) {
	if diagnostics == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := diagnostics.Snapshot()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := diagnostics.Snapshot()
			logger.Infow("diagnostics",
				"chunks", current.ChunksRead,
				"log_events", current.LogEvents,
				"process_events", current.ProcessEvents,
				"memory_restarts", current.RestartsExtracted,
				"alerts_sent", current.AlertsSent,
				"send_failures", current.SendFailures,
				"reconnects", current.Reconnects,
				"delta_chunks", current.ChunksRead-last.ChunksRead,
				"delta_memory_restarts", current.RestartsExtracted-last.RestartsExtracted,
				"delta_alerts_sent", current.AlertsSent-last.AlertsSent,
				"delta_send_failures", current.SendFailures-last.SendFailures,
			)
			last = current
		}
	}
}
