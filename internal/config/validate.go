package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints that the strict decoder can't.
// It is installed as the Manager validator so bad reloads never commit.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if strings.TrimSpace(cfg.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir: required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("crm.request_timeout", cfg.CRM.RequestTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("crm.refresh_retry_pause", cfg.CRM.RefreshRetryPause); err != nil {
		return err
	}
	if _, err := ParseDurationField("gupshup.request_timeout", cfg.Gupshup.RequestTimeout); err != nil {
		return err
	}

	bc := cfg.Broadcast
	dmin, err := ParseDurationField("broadcast.delay_min", bc.DelayMin)
	if err != nil {
		return err
	}
	dmax, err := ParseDurationField("broadcast.delay_max", bc.DelayMax)
	if err != nil {
		return err
	}
	if dmin > 0 && dmax > 0 && dmax < dmin {
		return fmt.Errorf("broadcast.delay_max: must be >= broadcast.delay_min")
	}
	if bc.Workers < 0 {
		return fmt.Errorf("broadcast.workers: must be >= 0")
	}
	if bc.RatePerMin < 0 {
		return fmt.Errorf("broadcast.rate_per_min: must be >= 0")
	}
	if err := checkClock("broadcast.day_from", bc.DayFrom); err != nil {
		return err
	}
	if err := checkClock("broadcast.day_until", bc.DayUntil); err != nil {
		return err
	}

	if cfg.Ops != nil && cfg.Ops.Enabled {
		if err := opsTimeouts(cfg.Ops); err != nil {
			return err
		}
	}
	return nil
}

func checkClock(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("%s: invalid clock time %q (want HH:MM)", path, raw)
	}
	return nil
}

func opsTimeouts(o *OpsConfig) error {
	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", o.ReadTimeout},
		{"ops.write_timeout", o.WriteTimeout},
		{"ops.idle_timeout", o.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
