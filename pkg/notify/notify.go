// Package notify delivers charging notices and operator alerts. Start and stop
// notices are routine, anomalies are a separate channel that needs attention.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/types"
)

// Notifier is a sink for notices and anomalies. Delivery is best effort and
// errors are only reported, never retried.
type Notifier interface {
	ChargingStarted(ctx context.Context, n types.StartNotice) error
	ChargingStopped(ctx context.Context, n types.StopNotice) error
	Anomaly(ctx context.Context, a types.Anomaly) error
}

// Multi sends to every sink and joins their errors.
type Multi struct {
	sinks []Notifier
}

// NewMulti returns a Multi over sinks. nil sinks are skipped.
func NewMulti(sinks ...Notifier) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Configured sets up the notification sinks based on flags. The log sink is
// always on, email and mqtt are enabled by setting their host flags.
func Configured() *Multi {
	m := &Multi{}
	email := configuredEmail()
	mq := configuredMQTT()

	lflag.Do(func() {
		m.sinks = append(m.sinks, Log{})
		if email.Enabled() {
			if err := email.Validate(); err != nil {
				panic(fmt.Sprintf("email notifier validation failed: %v", err))
			}
			m.sinks = append(m.sinks, email)
		}
		if mq.Enabled() {
			if err := mq.Validate(); err != nil {
				panic(fmt.Sprintf("mqtt notifier validation failed: %v", err))
			}
			m.sinks = append(m.sinks, mq)
		}
	})

	return m
}

func (m *Multi) each(fn func(Notifier) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) ChargingStarted(ctx context.Context, n types.StartNotice) error {
	return m.each(func(s Notifier) error { return s.ChargingStarted(ctx, n) })
}

func (m *Multi) ChargingStopped(ctx context.Context, n types.StopNotice) error {
	return m.each(func(s Notifier) error { return s.ChargingStopped(ctx, n) })
}

func (m *Multi) Anomaly(ctx context.Context, a types.Anomaly) error {
	return m.each(func(s Notifier) error { return s.Anomaly(ctx, a) })
}

// Close closes every sink that holds a connection.
func (m *Multi) Close() {
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
