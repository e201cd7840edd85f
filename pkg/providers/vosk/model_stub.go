//go:build !vosk

package vosk

import (
	"context"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
)

type Model struct{}

func Load(Config) (*Model, error) { return nil, ErrUnavailable }

func (m *Model) Name() string { return "vosk" }

func (m *Model) NewRecognizer(context.Context, recognizer.Config) (recognizer.Recognizer, error) {
	return nil, ErrUnavailable
}

func (m *Model) Close() error { return nil }

var _ recognizer.Model = (*Model)(nil)
