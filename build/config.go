package build

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
)

const (
	callSiteOff   = "off"
	callSiteShort = "short"
	callSiteLong  = "long"

	// Gzip is the only log compressor this module wires up; a wallet
	// engine doesn't roll logs often enough to need a second one.
	Gzip = "gzip"

	defaultLogCompressor = Gzip

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 20
)

// logCompressors maps a compressor name to the file suffix the rotator
// appends to rolled files.
var logCompressors = map[string]string{
	Gzip: "gz",
}

// SupportedLogCompressor returns true if name is a compressor this module
// knows how to use.
func SupportedLogCompressor(name string) bool {
	_, ok := logCompressors[name]
	return ok
}

// consoleLoggerCfg holds options specific to the console (stdout/stderr)
// logger.
type consoleLoggerCfg struct {
	LoggerConfig
}

func defaultConsoleLoggerCfg() *consoleLoggerCfg {
	return &consoleLoggerCfg{
		LoggerConfig: LoggerConfig{
			CallSite: callSiteOff,
		},
	}
}

// LogConfig holds logging configuration options.
//
//nolint:lll
type LogConfig struct {
	Console *consoleLoggerCfg `group:"console" namespace:"console" description:"The logger writing to stdout and stderr."`
	File    *FileLoggerConfig `group:"file" namespace:"file" description:"The logger writing to the wallet engine's log file."`
}

// Validate validates the LogConfig struct values.
func (c *LogConfig) Validate() error {
	if !SupportedLogCompressor(c.File.Compressor) {
		return fmt.Errorf("invalid log compressor: %v",
			c.File.Compressor)
	}

	return nil
}

// LoggerConfig holds options for a particular logger.
//
//nolint:lll
type LoggerConfig struct {
	Disable      bool   `long:"disable" description:"Disable this logger."`
	NoTimestamps bool   `long:"no-timestamps" description:"Omit timestamps from log lines."`
	CallSite     string `long:"call-site" description:"Include the call-site of each log line." choice:"off" choice:"short" choice:"long"`
}

// DefaultLogConfig returns the default logging config options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Console: defaultConsoleLoggerCfg(),
		File: &FileLoggerConfig{
			Compressor:     defaultLogCompressor,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
			LoggerConfig: LoggerConfig{
				CallSite: callSiteOff,
			},
		},
	}
}

// HandlerOptions returns the set of btclog.HandlerOptions that the state of the
// config struct translates to.
func (cfg *LoggerConfig) HandlerOptions() []btclog.HandlerOption {
	opts := []btclog.HandlerOption{
		// The default skip depth used by the logging library is 6; it
		// is raised by one, to 7, here.
		btclog.WithCallSiteSkipDepth(7),
	}

	if cfg.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}

	switch cfg.CallSite {
	case callSiteShort:
		opts = append(opts, btclog.WithCallerFlags(btclog.Lshortfile))
	case callSiteLong:
		opts = append(opts, btclog.WithCallerFlags(btclog.Llongfile))
	}

	return opts
}

// FileLoggerConfig extends LoggerConfig with specific log file options.
//
//nolint:lll
type FileLoggerConfig struct {
	LoggerConfig
	Compressor     string `long:"compressor" description:"Compression algorithm to use when rotating logs." choice:"gzip"`
	MaxLogFiles    int    `long:"max-files" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"max-file-size" description:"Maximum logfile size in MB"`
}
