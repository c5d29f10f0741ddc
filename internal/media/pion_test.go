package media

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCapabilitiesNameBothKinds(t *testing.T) {
	var caps routerCapabilities
	require.NoError(t, json.Unmarshal(defaultCapabilities(), &caps))

	kinds := make(map[string]bool)
	for _, c := range caps.Codecs {
		kinds[c.Kind] = true
	}
	assert.True(t, kinds["audio"])
	assert.True(t, kinds["video"])
}

func TestCanConsume(t *testing.T) {
	caps := defaultCapabilities()

	assert.True(t, canConsume("audio", caps))
	assert.True(t, canConsume("video", caps))

	audioOnly := json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000}]}`)
	assert.True(t, canConsume("audio", audioOnly))
	assert.False(t, canConsume("video", audioOnly))

	assert.False(t, canConsume("audio", json.RawMessage(`{not json`)))
	assert.False(t, canConsume("audio", nil))
}

func TestOperationsOnUnknownIDs(t *testing.T) {
	e := NewPionEngine(webrtc.Configuration{})
	ctx := context.Background()

	require.ErrorIs(t, e.ConnectTransport(ctx, "missing", json.RawMessage(`{}`)), ErrTransportNotFound)

	_, err := e.CreateProducer(ctx, "missing", "audio", nil)
	require.ErrorIs(t, err, ErrTransportNotFound)

	_, err = e.CreateConsumer(ctx, "missing", "p-1", defaultCapabilities())
	require.ErrorIs(t, err, ErrTransportNotFound)

	// Closing unknown handles is a silent no-op.
	e.CloseTransport("missing")
	e.CloseProducer("missing")
	e.CloseConsumer("missing")
}
