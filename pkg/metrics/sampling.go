package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver thins out high-volume events. Events not listed in
// sampled always pass through, so lifecycle events are never lost.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
	sampled     map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, sampled ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	if len(sampled) == 0 {
		sampled = []string{EventMediaFrame}
	}
	set := make(map[string]struct{}, len(sampled))
	for _, name := range sampled {
		set[name] = struct{}{}
	}
	return &SamplingObserver{inner: inner, rate: rate, sampleEvery: every, sampled: set}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.sampled[ev.Name]; !ok {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
