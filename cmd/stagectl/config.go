package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	stagemachine "github.com/goliatone/go-stagemachine"
	"github.com/joho/godotenv"
)

// Config is read from the environment.
type Config struct {
	LogLevel  string `env:"STAGECTL_LOG_LEVEL" envDefault:"warn"`
	LogFormat string `env:"STAGECTL_LOG_FORMAT" envDefault:"console"`
}

// LoadConfig parses Config from environ, layered over the dotenv file at
// envFile when one is given. A nil environ reads the process environment.
func LoadConfig(environ map[string]string, envFile string) (Config, error) {
	var cfg Config
	if environ == nil {
		environ = processEnv()
	}
	if envFile != "" {
		fromFile, err := godotenv.Read(envFile)
		if err != nil {
			return cfg, errors.Wrap(err, errors.CategoryBadInput, "read env file").
				WithTextCode("STAGECTL_CONFIG_INVALID").
				WithMetadata(map[string]any{"path": envFile})
		}
		for k, v := range environ {
			fromFile[k] = v
		}
		environ = fromFile
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return cfg, errors.Wrap(err, errors.CategoryBadInput, "parse env").
			WithTextCode("STAGECTL_CONFIG_INVALID")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "console", "json":
	default:
		return cfg, errors.New("STAGECTL_LOG_FORMAT must be console or json", errors.CategoryValidation).
			WithTextCode("STAGECTL_CONFIG_INVALID").
			WithMetadata(map[string]any{"format": cfg.LogFormat})
	}
	return cfg, nil
}

func processEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// NewLogger builds the glog logger described by cfg.
func (cfg Config) NewLogger(out io.Writer) glog.Logger {
	level := strings.ToLower(cfg.LogLevel)
	if strings.EqualFold(cfg.LogFormat, "json") {
		return glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level), glog.WithLoggerTypeJSON())
	}
	return glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level))
}

// machineLogger bridges glog into stagemachine.Logger.
type machineLogger struct {
	logger glog.Logger
}

var _ stagemachine.FieldsLogger = machineLogger{}

func (l machineLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l machineLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l machineLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l machineLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l machineLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l machineLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l machineLogger) WithContext(ctx context.Context) stagemachine.Logger {
	return machineLogger{logger: l.logger.WithContext(ctx)}
}

func (l machineLogger) WithFields(fields map[string]any) stagemachine.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return machineLogger{logger: fl.WithFields(fields)}
	}
	return l
}
