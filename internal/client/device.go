package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrMediaTypeNotSelected = errors.New("media type must be selected")

// MediaTrack is an opaque handle to a media stream track. The call
// orchestrator only pairs it with a participant; it never looks inside.
type MediaTrack struct {
	ID   string
	Kind string
}

// MediaOptions selects which kinds of tracks to capture.
type MediaOptions struct {
	Audio bool
	Video bool
}

// CaptureDevice is the device/media capture collaborator, used only by the
// produce stages.
type CaptureDevice interface {
	GetTracks(ctx context.Context, opts MediaOptions) ([]MediaTrack, error)
}

// StaticDevice hands out synthetic tracks. It stands in where no real
// capture hardware is wired, e.g. the test client binary.
type StaticDevice struct{}

func (StaticDevice) GetTracks(_ context.Context, opts MediaOptions) ([]MediaTrack, error) {
	if !opts.Audio && !opts.Video {
		return nil, ErrMediaTypeNotSelected
	}
	var tracks []MediaTrack
	if opts.Audio {
		tracks = append(tracks, MediaTrack{ID: fmt.Sprintf("audio-%s", uuid.NewString()), Kind: "audio"})
	}
	if opts.Video {
		tracks = append(tracks, MediaTrack{ID: fmt.Sprintf("video-%s", uuid.NewString()), Kind: "video"})
	}
	return tracks, nil
}
