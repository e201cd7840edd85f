package session

import (
	"context"
	"log/slog"

	"github.com/harunnryd/callscribe/pkg/frames"
)

// HandlerFunc handles one parsed frame.
type HandlerFunc func(ctx context.Context, f frames.Frame) error

// Router classifies raw stream messages and dispatches them by kind.
// Frames of an unregistered kind are ignored.
type Router struct {
	handlers map[frames.Kind]HandlerFunc
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[frames.Kind]HandlerFunc), logger: logger}
}

func (r *Router) Handle(kind frames.Kind, fn HandlerFunc) {
	r.handlers[kind] = fn
}

// Route parses raw and invokes the matching handler. A parse failure is
// returned wrapping frames.ErrMalformed.
func (r *Router) Route(ctx context.Context, raw []byte) (frames.Kind, error) {
	f, err := frames.Parse(raw)
	if err != nil {
		return "", err
	}
	h, ok := r.handlers[f.Kind]
	if !ok {
		r.logger.Debug("frame_ignored", slog.String("kind", string(f.Kind)))
		return f.Kind, nil
	}
	return f.Kind, h(ctx, f)
}
