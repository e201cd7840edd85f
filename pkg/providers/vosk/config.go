package vosk

import "errors"

type Config struct {
	ModelPath        string
	SpeakerModelPath string
	SampleRate       int
	LogLevel         int
}

// ErrUnavailable is returned when the binary was built without the vosk tag.
var ErrUnavailable = errors.New("vosk support not compiled in; rebuild with -tags vosk")
