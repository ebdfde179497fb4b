package gateway

import (
	"context"
	"errors"
	"log/slog"

	"airguard-gateway/internal/config"
	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/replay"
	"airguard-gateway/internal/serial"
)

// NewOpener returns an Opener for cfg: the replay file when replay is
// enabled, the serial device otherwise. Device open failures are Transport
// errors so Run keeps retrying; a missing replay file is a Config error.
func NewOpener(cfg config.SerialConfig, logger *slog.Logger) Opener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Replay.Enable {
		return func(context.Context) (LineSource, error) {
			src, err := replay.OpenSource(cfg.Replay.Path, cfg.Replay.Speed)
			if err != nil {
				return nil, errs.New(errs.Config, "replay", "open", err)
			}
			logger.Info("replaying capture", "path", cfg.Replay.Path, "speed", cfg.Replay.Speed)
			return src, nil
		}
	}
	return func(context.Context) (LineSource, error) {
		f, err := serial.Open(cfg.Device, cfg.Baud)
		if err != nil {
			return nil, errs.New(errs.Transport, "serial", "open", err)
		}
		logger.Info("serial port open", "device", cfg.Device, "baud", cfg.Baud)
		return serial.NewReader(f, serial.ReaderConfig{ReadTimeout: cfg.ReadTimeout}), nil
	}
}

// Step is one resource released at shutdown.
type Step struct {
	Name  string
	Close func() error
}

// Shutdown runs every step in order, even when an earlier one fails, and
// returns the joined errors.
func Shutdown(logger *slog.Logger, steps ...Step) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var all []error
	for _, s := range steps {
		if s.Close == nil {
			continue
		}
		if err := s.Close(); err != nil {
			logger.Error("shutdown step failed", "step", s.Name, "error", err)
			all = append(all, err)
			continue
		}
		logger.Debug("shutdown step done", "step", s.Name)
	}
	return errors.Join(all...)
}
