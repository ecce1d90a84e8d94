package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithRun adds run_id context to the logger.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("run_id", runID).Logger(),
	}
}

// WithWorker adds worker_id context to the logger.
func (l *Logger) WithWorker(workerID int) *Logger {
	return &Logger{
		logger: l.logger.With().Int("worker_id", workerID).Logger(),
	}
}

// WithRound adds round context to the logger.
func (l *Logger) WithRound(round int) *Logger {
	return &Logger{
		logger: l.logger.With().Int("round", round).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// RoundStarted logs a StartAllreduce event.
func (l *Logger) RoundStarted(workerID, round int) {
	l.logger.Info().
		Int("worker_id", workerID).
		Int("round", round).
		Msg("round started")
}

// ChunkScattered logs a ScatterBlock send.
func (l *Logger) ChunkScattered(workerID, destID, chunkID, round, length int) {
	l.logger.Debug().
		Int("worker_id", workerID).
		Int("dest_id", destID).
		Int("chunk_id", chunkID).
		Int("round", round).
		Int("length", length).
		Msg("chunk scattered")
}

// ChunkReduced logs a local reduce plus the resulting ReduceBlock broadcast.
func (l *Logger) ChunkReduced(workerID, chunkID, round, contributors int) {
	l.logger.Debug().
		Int("worker_id", workerID).
		Int("chunk_id", chunkID).
		Int("round", round).
		Int("contributors", contributors).
		Msg("chunk reduced and broadcast")
}

// RoundCompleted logs a worker's completion of a round.
func (l *Logger) RoundCompleted(workerID, round int) {
	l.logger.Info().
		Int("worker_id", workerID).
		Int("round", round).
		Msg("round completed")
}

// OutdatedMessageDropped logs a discarded outdated message.
func (l *Logger) OutdatedMessageDropped(workerID, msgRound, currentRound int) {
	l.logger.Warn().
		Int("worker_id", workerID).
		Int("message_round", msgRound).
		Int("current_round", currentRound).
		Msg("dropped outdated message")
}

// FutureMessageDeferred logs a message deferred pending a future StartAllreduce.
func (l *Logger) FutureMessageDeferred(workerID, msgRound, maxRound int) {
	l.logger.Debug().
		Int("worker_id", workerID).
		Int("message_round", msgRound).
		Int("max_round", maxRound).
		Msg("deferred future-round message")
}

// WorkerRegistered logs master-side registration of a worker.
func (l *Logger) WorkerRegistered(workerID int, addr string) {
	l.logger.Info().
		Int("worker_id", workerID).
		Str("address", addr).
		Msg("worker registered")
}

// WorkerLost logs master-side removal of a worker on termination notice.
func (l *Logger) WorkerLost(workerID int) {
	l.logger.Warn().
		Int("worker_id", workerID).
		Msg("worker terminated, removed from peer set")
}

// RoundAdvanced logs the master advancing the global round.
func (l *Logger) RoundAdvanced(round int, numComplete, totalWorkers int) {
	l.logger.Info().
		Int("round", round).
		Int("num_complete", numComplete).
		Int("total_workers", totalWorkers).
		Msg("master advanced round")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
