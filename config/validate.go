package config

import (
	"errors"
	"fmt"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if cfg.Dispatcher.QueueSize < 0 || cfg.Dispatcher.Workers < 0 {
		return ErrInvalid("dispatcher.queue_size/workers must be >= 0")
	}
	if cfg.Dispatcher.RatePerSecond < 0 {
		return ErrInvalid("dispatcher.rate_per_second must be >= 0")
	}
	switch cfg.Venue.Kind {
	case VenuePaper:
		p := cfg.Venue.Paper
		if p.TransientRate < 0 || p.RejectRate < 0 || p.TransientRate+p.RejectRate > 1 {
			return ErrInvalid("venue.paper failure rates must be within [0,1]")
		}
	case VenueWS:
		if cfg.Venue.WS.URL == "" {
			return ErrInvalid("venue.ws.url is required (or " + EnvVenueURL + ")")
		}
	default:
		return fmt.Errorf("venue.kind %q must be %s or %s", cfg.Venue.Kind, VenuePaper, VenueWS)
	}
	if cfg.Alert.ThrottleInterval < 0 {
		return ErrInvalid("alert.throttle_interval must be >= 0")
	}
	for sym, sc := range cfg.Symbols {
		if sc.TickSize < 0 || sc.StepSize < 0 {
			return fmt.Errorf("symbol %s tick_size/step_size must be >= 0", sym)
		}
		if sc.MinQty < 0 || sc.MaxQty < 0 {
			return fmt.Errorf("symbol %s qty bounds must be >= 0", sym)
		}
		if sc.MaxQty > 0 && sc.MinQty > sc.MaxQty {
			return fmt.Errorf("symbol %s min_qty > max_qty", sym)
		}
		if sc.MinNotional < 0 {
			return fmt.Errorf("symbol %s min_notional must be >= 0", sym)
		}
	}
	return nil
}
