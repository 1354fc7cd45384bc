package main

import (
	"github.com/jnesss/bpf-sampler/config"
	"github.com/jnesss/bpf-sampler/web"
)

var _ web.StatusSource = (*sampler)(nil)

func (s *sampler) Status() web.Status {
	st := web.Status{
		Profile:   s.profile.Name,
		StartedAt: s.startedAt,
		Buffer:    s.buffer.Stats(),
		Dispatch:  s.dispatcher.Stats(),
		Consumer:  s.consumer.Stats(),
	}
	if s.aggregator != nil {
		as := s.aggregator.Stats()
		st.Aggregator = &as
	}
	if s.correlator != nil {
		cs := s.correlator.Stats()
		st.Correlator = &cs
	}
	if s.targetInfo != nil {
		if ts, ok := s.targetInfo.Latest(); ok {
			st.Target = &ts
		}
	}
	return st
}

func (s *sampler) Settings() web.Settings {
	return web.Settings{
		Profile:    s.profile.Name,
		TargetPID:  int32(s.target),
		SampleRate: s.sampleRate.Load(),
		Library:    s.library,
		Output:     s.cfg.Output,
	}
}

func (s *sampler) SetSampleRate(ns uint64) error {
	if err := config.ValidateSampleRate(ns); err != nil {
		return err
	}
	s.sampleRate.Store(ns)
	if s.aggregator != nil {
		s.aggregator.SetThreshold(ns)
	}
	return nil
}
