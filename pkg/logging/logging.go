// Package logging builds the zap loggers used across OrganicDB.
//
// Components accept a *zap.SugaredLogger and fall back to a no-op logger when
// given nil, so libraries stay silent unless the host process wires one in.
//
// Example:
//
//	logger, err := logging.New(cfg.Logging)
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
//	learner := pattern.New(store, cfg.Learner, logger)
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/organicdb/pkg/config"
)

// Standard structured field names.
const (
	FieldEntityType = "entity_type"
	FieldAttribute  = "attribute"
	FieldEntityID   = "entity_id"
	FieldModuleID   = "module_id"
	FieldCount      = "count"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldComponent  = "component"
)

// New creates a sugared logger from the logging section of the config.
//
// Format "json" uses zap's production encoder; anything else uses the
// console encoder. Output is "stdout", "stderr" or a file path.
func New(cfg config.LoggingConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sink, err := openSink(cfg.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core).Sugar(), nil
}

// OrNop returns logger, or a no-op logger when logger is nil.
func OrNop(logger *zap.SugaredLogger) *zap.SugaredLogger {
	if logger == nil {
		return zap.NewNop().Sugar()
	}
	return logger
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

// PrintfLogger adapts a SugaredLogger to printf-style logger interfaces such
// as badger.Logger. Library info chatter is logged at debug level.
type PrintfLogger struct {
	*zap.SugaredLogger
}

func (l PrintfLogger) Warningf(template string, args ...any) {
	l.Warnf(template, args...)
}

func (l PrintfLogger) Infof(template string, args ...any) {
	l.Debugf(template, args...)
}
