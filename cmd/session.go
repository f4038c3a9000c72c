package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/mqttio/config"
	"github.com/kilianp07/mqttio/core/coio"
	coremetrics "github.com/kilianp07/mqttio/core/metrics"
	"github.com/kilianp07/mqttio/driver"
	"github.com/kilianp07/mqttio/infra/logger"
	inframetrics "github.com/kilianp07/mqttio/infra/metrics"
)

// reconnectDelay is the pause before a lost connection is dialled again.
var reconnectDelay = 2 * time.Second

// session bundles a driver handle with the sinks built from the configuration.
type session struct {
	h    *driver.Handle
	cfg  *config.Config
	log  logger.Logger
	sink coremetrics.MetricsSink
}

func openSession(ctx context.Context, cfg *config.Config, component string) (*session, error) {
	if err := logger.Configure(cfg.Logging.Level); err != nil {
		return nil, err
	}
	log := logger.New(component)

	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	if addr := cfg.Metrics.PrometheusAddr; addr != "" {
		go func() {
			if err := inframetrics.StartPromServer(ctx, addr); err != nil {
				log.Errorf("prom server: %v", err)
			}
		}()
	}

	h, err := driver.New(cfg.MQTT.ClientID, cfg.MQTT.CleanSession,
		driver.WithLogger(logger.New("driver")),
		driver.WithMetricsSink(sink),
		driver.WithMaintenanceInterval(cfg.Poll.MaintenanceInterval()),
	)
	if err != nil {
		return nil, err
	}
	s := &session{h: h, cfg: cfg, log: log, sink: sink}
	if err := s.configure(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// configure applies will, credentials, TLS and engine log forwarding.
func (s *session) configure() error {
	m := s.cfg.MQTT
	if m.Will.Topic != "" {
		if err := s.h.WillSet(m.Will.Topic, []byte(m.Will.Payload), m.Will.QoS, m.Will.Retain).Err(); err != nil {
			return fmt.Errorf("will: %w", err)
		}
	}
	if m.Username != "" {
		if err := s.h.LoginSet(m.Username, m.Password).Err(); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	if m.TLS.Enabled {
		if err := s.h.TLSSet(m.TLS.Files()).Err(); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		if err := s.h.TLSInsecureSet(m.TLS.Insecure).Err(); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	mask := driver.LogError
	if s.cfg.Logging.Level == "debug" || s.cfg.Logging.Level == "trace" {
		mask = driver.LogAll
	}
	engineLog := logger.New("engine")
	_, err := s.h.SetLogCallback(mask, func(level driver.LogLevel, text string) error {
		switch {
		case level&driver.LogError != 0:
			engineLog.Errorf("%s", text)
		case level&driver.LogWarning != 0:
			engineLog.Warnf("%s", text)
		case level&driver.LogDebug != 0:
			engineLog.Debugf("%s", text)
		default:
			engineLog.Infof("%s", text)
		}
		return nil
	})
	return err
}

func (s *session) connect() error {
	m := s.cfg.MQTT
	if err := s.h.Connect(m.Host, m.Port, m.Keepalive).Err(); err != nil {
		return fmt.Errorf("connect %s:%d: %w", m.Host, m.Port, err)
	}
	return nil
}

// pump polls until ctx is done. Without reconnect a lost connection ends the
// loop with its status; with reconnect it is dialled again after a delay.
func (s *session) pump(ctx context.Context, reconnect bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st := s.h.PollOne(coio.ReadWrite, s.cfg.Poll.Timeout(), s.cfg.Poll.MaxPackets)
		if st.OK {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.h.Alive() {
			return driver.ErrDestroyed
		}
		if !reconnect {
			return st.Err()
		}
		s.log.Warnf("connection: %s, reconnecting in %s", st.Message, reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
		if err := s.h.Reconnect().Err(); err != nil {
			s.log.Errorf("reconnect: %v", err)
		}
	}
}

func (s *session) close() {
	s.h.Destroy()
	closeSinks(s.sink)
}

func closeSinks(sink coremetrics.MetricsSink) {
	switch v := sink.(type) {
	case *coremetrics.MultiSink:
		for _, inner := range v.Sinks {
			closeSinks(inner)
		}
	case interface{ Close() }:
		v.Close()
	}
}

// interrupted reports whether err only signals a requested shutdown.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
