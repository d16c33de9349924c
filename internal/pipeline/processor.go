package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MGSousa/pm2-alerter/internal/correlation"
	"github.com/MGSousa/pm2-alerter/internal/model"
	"github.com/MGSousa/pm2-alerter/internal/pm2"
	"github.com/MGSousa/pm2-alerter/internal/transport"
)

const maintenanceInterval = 10 * time.Second

// Processor turns bus chunks into alerts. HandleChunk is not safe for
// concurrent use; the collector calls it from a single goroutine.
type Processor struct {
	ctx         context.Context
	correlator  *correlation.Correlator
	sender      transport.Sender
	host        string
	key         string
	diagnostics *Diagnostics
	logger      *zap.SugaredLogger
}

func NewProcessor(
	ctx context.Context,
	correlator *correlation.Correlator,
	sender transport.Sender,
	host string,
	key string,
	diagnostics *Diagnostics,
	logger *zap.SugaredLogger,
) *Processor {
	return &Processor{
		ctx:         ctx,
		correlator:  correlator,
		sender:      sender,
		host:        host,
		key:         key,
		diagnostics: diagnostics,
		logger:      logger,
	}
}

func (p *Processor) HandleChunk(chunk string) {
	if p.diagnostics != nil {
		p.diagnostics.IncChunksRead()
	}

	kind := pm2.Classify(chunk)
	if kind.Has(pm2.KindLog) {
		if p.diagnostics != nil {
			p.diagnostics.IncLogEvents()
		}
		if pm2.IsMemoryRestart(chunk) {
			p.handleMemoryRestart(chunk)
		}
	}
	if kind.Has(pm2.KindProcess) {
		if p.diagnostics != nil {
			p.diagnostics.IncProcessEvents()
		}
		if pm2.IsOnline(chunk) {
			p.handleOnline(chunk)
		}
	}
}

func (p *Processor) handleMemoryRestart(chunk string) {
	id, ok := pm2.ExtractRestartID(chunk)
	if !ok {
		p.logger.Warnw("memory restart line without a process id", "chunk", chunk)
		p.correlator.Clear()
		if p.diagnostics != nil {
			p.diagnostics.IncRestartMisses()
			p.diagnostics.SetPending(false)
		}
		return
	}

	prev, overwritten := p.correlator.Arm(id)
	if overwritten && prev != id {
		p.logger.Warnw("pending restart replaced before it came back online", "previous_pm_id", prev, "pm_id", id)
		if p.diagnostics != nil {
			p.diagnostics.IncPendingOverwrites()
		}
	}
	p.logger.Infow("process killed for exceeding max memory", "pm_id", id)
	if p.diagnostics != nil {
		p.diagnostics.IncRestartsExtracted()
		p.diagnostics.SetPending(true)
	}
}

func (p *Processor) handleOnline(chunk string) {
	ev, ok, err := pm2.ParseProcessEvent(chunk)
	if err != nil {
		p.logger.Warnw("cannot parse process event", "error", err)
		if p.diagnostics != nil {
			p.diagnostics.IncParseErrors()
		}
		return
	}
	if !ok {
		return
	}

	restart, ok := p.correlator.Observe(ev.ID, ev.Name)
	if !ok {
		if p.diagnostics != nil {
			p.diagnostics.IncUnmatchedOnline()
		}
		return
	}
	if p.diagnostics != nil {
		p.diagnostics.IncMatchedOnline()
		p.diagnostics.SetPending(false)
	}

	p.logger.Infow("process restarted", "name", restart.Name, "pm_id", restart.ID, "after", time.Since(restart.ArmedAt))

	alert := model.NewAlert(p.host, p.key, restart.Name, restart.ID)
	if err := p.sender.Send(p.ctx, alert); err != nil {
		p.logger.Errorw("failed to send alert", "alert_id", alert.ID, "name", alert.Value, "error", err)
		if p.diagnostics != nil {
			p.diagnostics.IncSendFailures()
		}
		return
	}
	if p.diagnostics != nil {
		p.diagnostics.IncAlertsSent()
	}
}

// RunMaintenance expires a stale pending id. It returns at once when the
// correlator has no ttl.
func (p *Processor) RunMaintenance(ctx context.Context, interval time.Duration) {
	if p.correlator.TTL() <= 0 {
		return
	}
	if interval <= 0 {
		interval = maintenanceInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if id, armed := p.correlator.Pending(); armed && p.correlator.Expire(time.Now()) {
				p.logger.Warnw("pending restart expired without an online event", "pm_id", id)
				if p.diagnostics != nil {
					p.diagnostics.IncPendingExpired()
					p.diagnostics.SetPending(false)
				}
			}
		}
	}
}
