package rtc

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v3"

	"github.com/castline/signaling/internal/orchestrator"
)

var streamSeq atomic.Uint64

// LocalStream is a set of local tracks attachable to peer connections.
type LocalStream struct {
	id     string
	tracks []webrtc.TrackLocal
}

// ID returns the stream identity.
func (s *LocalStream) ID() string { return s.id }

// Tracks returns the attachable tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Close releases the stream. Static sample tracks hold no device, so
// there is nothing to stop.
func (s *LocalStream) Close() error { return nil }

// RemoteStream represents media received from a remote party.
type RemoteStream struct {
	id string
}

// ID returns the remote stream identity.
func (s *RemoteStream) ID() string { return s.id }

// Close is a no-op; the transport owns the receiving tracks.
func (s *RemoteStream) Close() error { return nil }

// SyntheticProvider yields capture-less audio/video streams. It stands
// in for a real device capture pipeline in the headless agent and in
// tests.
type SyntheticProvider struct{}

// GetUserMedia returns a fresh synthetic stream with one audio and one
// video track.
func (SyntheticProvider) GetUserMedia() (orchestrator.MediaStream, error) {
	return NewSyntheticStream()
}

// NewSyntheticStream builds a LocalStream with placeholder Opus and VP8
// tracks.
func NewSyntheticStream() (*LocalStream, error) {
	n := streamSeq.Add(1)
	id := fmt.Sprintf("synthetic-%d", n)
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		fmt.Sprintf("audio-%d", n), id,
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		fmt.Sprintf("video-%d", n), id,
	)
	if err != nil {
		return nil, err
	}
	return &LocalStream{id: id, tracks: []webrtc.TrackLocal{audio, video}}, nil
}
