package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/MGSousa/pm2-alerter/internal/model"
)

// Sender delivers one alert. Implementations do not retry.
type Sender interface {
	Send(ctx context.Context, alert model.Alert) error
}

type Sink struct {
	Name   string
	Sender Sender
}

// Fanout sends every alert to each sink in order. A failing sink does not
// stop the remaining ones.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Send(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Sender.Send(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Names() []string {
	names := make([]string, 0, len(f.sinks))
	for _, sink := range f.sinks {
		names = append(names, sink.Name)
	}
	return names
}

// AlertRecorder persists alerts for later inspection.
type AlertRecorder interface {
	InsertAlert(ctx context.Context, alert model.Alert) error
}

type Recorder struct {
	store AlertRecorder
}

func NewRecorder(store AlertRecorder) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Send(ctx context.Context, alert model.Alert) error {
	return r.store.InsertAlert(ctx, alert)
}
