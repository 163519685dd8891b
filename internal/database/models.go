// internal/database/models.go
package database

import (
	"math"
	"time"
)

// TimeoutRTT is the round trip value recorded for a probe that got no response.
const TimeoutRTT uint16 = math.MaxUint16

// SampleEpoch is the zero point of Sample.SentAt.
var SampleEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// HostSeries is the authoritative aggregate for one (host, agent) pair in an
// epoch. Epoch 0 is the live working set.
type HostSeries struct {
	ID              uint64    `json:"id"`
	HostID          uint64    `json:"host_id"`
	AgentID         string    `json:"agent_id"`
	UserID          string    `json:"user_id"`
	Address         string    `json:"address"`
	EndpointType    string    `json:"endpoint_type"`
	Enabled         bool      `json:"enabled"`
	Started         time.Time `json:"started"`
	Ended           time.Time `json:"ended"`
	PacketsSent     int       `json:"packets_sent"`
	PacketsReceived int       `json:"packets_received"`
	PacketsLost     int       `json:"packets_lost"`
	PercentageLost  float64   `json:"percentage_lost"`
	RTTMinimum      int       `json:"rtt_minimum"`
	RTTMaximum      int       `json:"rtt_maximum"`
	RTTAverage      float64   `json:"rtt_average"`
	RTTTotal        int64     `json:"rtt_total"`
	RTTStdDev       float64   `json:"rtt_stddev"`
	Status          string    `json:"status"`
	Epoch           int       `json:"epoch"`
	Archived        bool      `json:"archived"`
	Compacted       bool      `json:"compacted"`
	Samples         []Sample  `json:"samples,omitempty" cbor:"-"`
}

// Live reports whether the series belongs to the current working set.
func (s *HostSeries) Live() bool {
	return s.Epoch == 0
}

// CopyAggregates overwrites the reported aggregate fields with those of src.
// Identity, ownership, epoch and samples are left alone.
func (s *HostSeries) CopyAggregates(src *HostSeries) {
	s.Address = src.Address
	s.EndpointType = src.EndpointType
	s.Enabled = src.Enabled
	s.Started = src.Started
	s.Ended = src.Ended
	s.Status = src.Status
	s.PacketsSent = src.PacketsSent
	s.PacketsReceived = src.PacketsReceived
	s.PacketsLost = src.PacketsLost
	s.PercentageLost = src.PercentageLost
	s.RTTMinimum = src.RTTMinimum
	s.RTTMaximum = src.RTTMaximum
	s.RTTAverage = src.RTTAverage
	s.RTTTotal = src.RTTTotal
	s.RTTStdDev = src.RTTStdDev
}

// Sample is a single timestamped round trip observation. Rows are stored with
// integer keys to keep the samples bucket small.
type Sample struct {
	ID         uint64 `json:"id" cbor:"1,keyasint"`
	SeriesID   uint64 `json:"series_id" cbor:"2,keyasint"`
	SentAt     uint32 `json:"sent_at" cbor:"3,keyasint"`
	RTT        uint16 `json:"rtt" cbor:"4,keyasint"`
	StatusCode uint16 `json:"status_code,omitempty" cbor:"5,keyasint,omitempty"`

	// Status is only carried on the wire and resolved to StatusCode on ingest.
	Status string `json:"status,omitempty" cbor:"-"`
}

// Timeout reports whether the sample recorded no response.
func (s Sample) Timeout() bool {
	return s.RTT == TimeoutRTT
}

// SentTime converts SentAt back to wall clock time.
func (s Sample) SentTime() time.Time {
	return SampleEpoch.Add(time.Duration(s.SentAt) * time.Second)
}

// SentAtFromTime converts t to seconds since SampleEpoch, clamped to the
// uint32 range.
func SentAtFromTime(t time.Time) uint32 {
	secs := int64(t.Sub(SampleEpoch) / time.Second)
	switch {
	case secs < 0:
		return 0
	case secs > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(secs)
}

// StatusItem maps an interned status code to its string.
type StatusItem struct {
	Code   uint16 `json:"code" cbor:"1,keyasint"`
	Status string `json:"status" cbor:"2,keyasint"`
}

// SeriesFilter selects HostSeries rows. Zero values match everything.
type SeriesFilter struct {
	AgentID     string
	HostIDs     []uint64
	LiveOnly    bool
	Archived    *bool
	EndedBefore time.Time

	// WithSamples loads each row's samples with SentAt >= SamplesSince.
	WithSamples  bool
	SamplesSince uint32
}

func (f SeriesFilter) match(s *HostSeries) bool {
	if f.AgentID != "" && s.AgentID != f.AgentID {
		return false
	}
	if f.LiveOnly && !s.Live() {
		return false
	}
	if f.Archived != nil && s.Archived != *f.Archived {
		return false
	}
	if !f.EndedBefore.IsZero() && !s.Ended.Before(f.EndedBefore) {
		return false
	}
	if len(f.HostIDs) > 0 {
		for _, id := range f.HostIDs {
			if id == s.HostID {
				return true
			}
		}
		return false
	}
	return true
}
