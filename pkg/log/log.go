// Package log provides structured logging for driftdb using zerolog.
//
// Every package asks for a component-scoped child via WithComponent, and
// narrows it further with the With* helpers below when a nodeId, peerId,
// mapName or partitionId is known. Output is JSON in production and a
// console writer in development.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once via Init.
var Logger zerolog.Logger

// Level represents a log level understood by Init.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger scoped to a component name, e.g.
// "cluster", "crdt", "ophandler".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID adds a node_id field.
func WithNodeID(l zerolog.Logger, nodeID string) zerolog.Logger {
	return l.With().Str("node_id", nodeID).Logger()
}

// WithPeerID adds a peer_id field.
func WithPeerID(l zerolog.Logger, peerID string) zerolog.Logger {
	return l.With().Str("peer_id", peerID).Logger()
}

// WithMap adds a map_name field.
func WithMap(l zerolog.Logger, mapName string) zerolog.Logger {
	return l.With().Str("map_name", mapName).Logger()
}

// WithPartition adds a partition_id field.
func WithPartition(l zerolog.Logger, partitionID uint32) zerolog.Logger {
	return l.With().Uint32("partition_id", partitionID).Logger()
}

// WithSubscription adds a subscription_id field.
func WithSubscription(l zerolog.Logger, subID string) zerolog.Logger {
	return l.With().Str("subscription_id", subID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
