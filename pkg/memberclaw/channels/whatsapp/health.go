package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig configures proactive connection health monitoring.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often to perform health checks.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is the time without any activity after which the
	// client connection is verified.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// when the socket claims to be connected (0 = disabled).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
	}
}

// StartHealthMonitor runs periodic health checks until ctx is cancelled.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()

		w.logger.Info("whatsapp health monitor started",
			"check_interval", cfg.CheckInterval,
			"max_silent", cfg.MaxSilentDuration)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.performHealthCheck(cfg, time.Now())
			}
		}
	}()
}

// performHealthCheck reports whether a reconnect was triggered.
func (w *WhatsApp) performHealthCheck(cfg HealthMonitorConfig, now time.Time) bool {
	if w.getState() != StateConnected {
		return false
	}

	silent := now.Sub(w.getLastMsgTime())
	if silent <= cfg.MaxSilentDuration {
		return false
	}

	w.logger.Warn("whatsapp: connection silent for too long", "silent_duration", silent)

	clientDown := w.client != nil && !w.client.IsConnected()
	forced := cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter
	if !clientDown && !forced {
		return false
	}

	w.setState(StateReconnecting)
	w.connected.Store(false)
	go w.attemptReconnect()
	return true
}

func (w *WhatsApp) getLastMsgTime() time.Time {
	if v := w.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// UpdateLastMsgTime updates the last activity timestamp.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}
