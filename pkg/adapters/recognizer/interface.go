package recognizer

import "context"

// Recognizer is one incremental recognition instance. It carries rolling
// acoustic and decode state, so it belongs to exactly one call.
type Recognizer interface {
	// AcceptWaveform feeds 16-bit linear samples and reports whether the
	// engine finalized an utterance with this batch.
	AcceptWaveform(samples []int16) (bool, error)
	// Result returns the finalized utterance as JSON, e.g. {"text":"..."}.
	Result() string
	// PartialResult returns the provisional transcript as JSON, e.g. {"partial":"..."}.
	PartialResult() string
	// Close releases the instance.
	Close() error
}

// Model is the process-wide recognition model. It is read-only after load and
// safe to share between concurrent calls.
type Model interface {
	// Name returns the provider name for logging/metrics.
	Name() string
	// NewRecognizer creates a fresh recognizer instance for one call.
	NewRecognizer(ctx context.Context, cfg Config) (Recognizer, error)
	// Close releases the model.
	Close() error
}

// Config contains per-call recognizer configuration.
type Config struct {
	SessionID  string
	CallSID    string
	TraceID    string
	SampleRate int
}
