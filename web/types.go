package web

import (
	"time"

	"github.com/jnesss/bpf-sampler/alloc"
	"github.com/jnesss/bpf-sampler/consumer"
	"github.com/jnesss/bpf-sampler/eventbuf"
	"github.com/jnesss/bpf-sampler/network"
	"github.com/jnesss/bpf-sampler/platform"
	"github.com/jnesss/bpf-sampler/process"
)

// Status is the body of /api/stats
type Status struct {
	Profile    string                 `json:"profile"`
	StartedAt  time.Time              `json:"startedAt"`
	Buffer     eventbuf.Stats         `json:"buffer"`
	Dispatch   platform.DispatchStats `json:"dispatch"`
	Aggregator *alloc.Stats           `json:"aggregator,omitempty"`
	Correlator *network.Stats         `json:"correlator,omitempty"`
	Consumer   consumer.Stats         `json:"consumer"`
	Target     *process.TargetStats   `json:"target,omitempty"`
}

// Settings is the body of /api/config
type Settings struct {
	Profile    string `json:"profile"`
	TargetPID  int32  `json:"targetPid"`
	SampleRate uint64 `json:"sampleRate"`
	Library    string `json:"library,omitempty"`
	Output     string `json:"output"`
}

// SettingsUpdate is accepted by POST /api/config
type SettingsUpdate struct {
	SampleRate *uint64 `json:"sampleRate"`
}

// StatusSource provides the live sampler state
type StatusSource interface {
	Status() Status
	Settings() Settings
	SetSampleRate(ns uint64) error
}
