package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkaryakin/confa/internal/domain"
	"github.com/dkaryakin/confa/internal/protocol"
)

// fakeSignal scripts the server side of the channel: every Send is recorded
// and answered synchronously through the registered listeners, exactly as a
// response frame would be dispatched.
type fakeSignal struct {
	mu        sync.Mutex
	sent      []protocol.Message
	listeners map[protocol.MessageType][]*fakeListener
	respond   func(protocol.Message) []protocol.Message
	sendErr   map[protocol.MessageType]error
}

type fakeListener struct {
	fn func(protocol.Message)
}

func newFakeSignal() *fakeSignal {
	fs := &fakeSignal{listeners: make(map[protocol.MessageType][]*fakeListener)}
	fs.respond = serverScript()
	return fs
}

func (f *fakeSignal) WaitForOpen(ctx context.Context) error { return nil }

func (f *fakeSignal) Send(msg protocol.Message) error {
	f.mu.Lock()
	if err := f.sendErr[msg.Type]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		for _, reply := range respond(msg) {
			f.deliver(reply)
		}
	}
	return nil
}

func (f *fakeSignal) On(t protocol.MessageType, fn func(protocol.Message)) func() {
	l := &fakeListener{fn: fn}
	f.mu.Lock()
	f.listeners[t] = append(f.listeners[t], l)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		regs := f.listeners[t]
		for i, reg := range regs {
			if reg == l {
				f.listeners[t] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// deliver pushes a server-originated frame to the registered listeners.
func (f *fakeSignal) deliver(msg protocol.Message) {
	f.mu.Lock()
	regs := make([]*fakeListener, len(f.listeners[msg.Type]))
	copy(regs, f.listeners[msg.Type])
	f.mu.Unlock()
	for _, l := range regs {
		l.fn(msg)
	}
}

func (f *fakeSignal) sentTypes() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeSignal) sentOf(t protocol.MessageType) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// serverScript answers each request the way the signaling server would. The
// roster returned on join starts empty; tests override respond for more.
func serverScript() func(protocol.Message) []protocol.Message {
	var n int
	next := func(prefix string) string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
	return func(m protocol.Message) []protocol.Message {
		switch m.Type {
		case protocol.TypeJoin:
			return []protocol.Message{{
				Type:            protocol.TypeJoined,
				RoomID:          m.RoomID,
				UserID:          m.UserID,
				RTPCapabilities: json.RawMessage(`{"codecs":[]}`),
				Users:           []protocol.RoomUser{{ID: m.UserID}},
			}}
		case protocol.TypeCreateTransport:
			return []protocol.Message{{
				Type:      protocol.TypeTransportCreated,
				RoomID:    m.RoomID,
				UserID:    m.UserID,
				Direction: m.Direction,
				TransportOptions: &protocol.TransportOptions{
					ID:             domain.TransportID(next("t")),
					DTLSParameters: json.RawMessage(`{"role":"server"}`),
				},
			}}
		case protocol.TypeConnectTransport:
			return []protocol.Message{{
				Type:      protocol.TypeTransportConnected,
				Direction: m.Direction,
			}}
		case protocol.TypeProduce:
			return []protocol.Message{{
				Type:       protocol.TypeProduced,
				ProducerID: domain.ProducerID(next("p")),
			}}
		case protocol.TypeConsume:
			return []protocol.Message{{
				Type: protocol.TypeConsumed,
				ConsumerOptions: &protocol.ConsumerOptions{
					ID:         domain.ConsumerID(next("c")),
					ProducerID: m.ProducerID,
					Kind:       "audio",
				},
			}}
		default:
			return nil
		}
	}
}

// withRoster wraps the script so the joined roster also carries peers.
func (f *fakeSignal) withRoster(peers ...protocol.RoomUser) {
	base := f.respond
	f.respond = func(m protocol.Message) []protocol.Message {
		replies := base(m)
		if m.Type == protocol.TypeJoin {
			replies[0].Users = append(replies[0].Users, peers...)
		}
		return replies
	}
}

// connected runs JoinCall and waits for steady state.
func connected(t *testing.T, c *Call, fs *fakeSignal) {
	t.Helper()
	done := make(chan struct{})
	c.OnConnected(func() { close(done) })
	c.JoinCall(context.Background(), "r1", "alice")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("call did not reach steady state, stage=%s", c.Stage())
	}
}

// probe runs fn on the call's own queue, so state reads do not race tasks.
func probe(t *testing.T, c *Call, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, c.queue.Enqueue(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe task did not run")
	}
}

func TestJoinCallReachesSteadyInOrder(t *testing.T) {
	fs := newFakeSignal()
	c := NewCall(fs, StaticDevice{})

	connected(t, c, fs)

	require.Equal(t, StageSteady, c.Stage())
	require.Equal(t, []protocol.MessageType{
		protocol.TypeJoin,
		protocol.TypeCreateTransport,
		protocol.TypeConnectTransport,
		protocol.TypeCreateTransport,
		protocol.TypeConnectTransport,
		protocol.TypeProduce,
		protocol.TypeProduce,
	}, fs.sentTypes())

	// Send transport before receive, video producer before audio.
	creates := fs.sentOf(protocol.TypeCreateTransport)
	assert.Equal(t, domain.DirectionSend, creates[0].Direction)
	assert.Equal(t, domain.DirectionRecv, creates[1].Direction)
	produces := fs.sentOf(protocol.TypeProduce)
	assert.Equal(t, "video", produces[0].Kind)
	assert.Equal(t, "audio", produces[1].Kind)

	probe(t, c, func() {
		assert.Len(t, c.producers, 2)
		assert.NotNil(t, c.sendTransport)
		assert.NotNil(t, c.recvTransport)
		assert.JSONEq(t, `{"codecs":[]}`, string(c.capabilities))
	})
}

func TestSecondJoinCallIsNoOp(t *testing.T) {
	fs := newFakeSignal()
	c := NewCall(fs, StaticDevice{})

	connected(t, c, fs)
	c.JoinCall(context.Background(), "r2", "alice")

	time.Sleep(20 * time.Millisecond)
	require.Len(t, fs.sentOf(protocol.TypeJoin), 1)
	assert.Equal(t, domain.RoomID("r1"), c.roomID)
}

func TestRosterProducersAreConsumed(t *testing.T) {
	fs := newFakeSignal()
	fs.withRoster(protocol.RoomUser{ID: "bob", Producers: []domain.ProducerID{"p-bob"}})
	c := NewCall(fs, StaticDevice{})

	tracks := make(chan MediaTrack, 1)
	c.OnNewTrack(func(peer Peer, track MediaTrack) {
		require.Equal(t, domain.UserID("bob"), peer.ID)
		tracks <- track
	})

	connected(t, c, fs)

	select {
	case track := <-tracks:
		assert.NotEmpty(t, track.ID)
	case <-time.After(time.Second):
		t.Fatal("no track for roster producer")
	}

	consumes := fs.sentOf(protocol.TypeConsume)
	require.Len(t, consumes, 1)
	assert.Equal(t, domain.ProducerID("p-bob"), consumes[0].ProducerID)
	probe(t, c, func() {
		assert.Len(t, c.consumers, 1)
	})
}

func TestNewProducerTriggersExactlyOneConsume(t *testing.T) {
	fs := newFakeSignal()
	c := NewCall(fs, StaticDevice{})

	tracks := make(chan MediaTrack, 2)
	c.OnNewTrack(func(_ Peer, track MediaTrack) { tracks <- track })

	connected(t, c, fs)

	announce := protocol.Message{
		Type:       protocol.TypeNewProducer,
		RoomID:     "r1",
		UserID:     "bob",
		ProducerID: "p-bob",
	}
	fs.deliver(announce)

	select {
	case <-tracks:
	case <-time.After(time.Second):
		t.Fatal("announced producer was not consumed")
	}

	// The same announcement again must not consume twice.
	fs.deliver(announce)
	probe(t, c, func() {})
	require.Len(t, fs.sentOf(protocol.TypeConsume), 1)
	probe(t, c, func() {
		assert.Len(t, c.consumers, 1)
		require.Contains(t, c.peers, domain.UserID("bob"))
		assert.Equal(t, []domain.ProducerID{"p-bob"}, c.peers["bob"].ProducerIDs)
	})
}

func TestNewProducerFromSelfOrOtherRoomIgnored(t *testing.T) {
	fs := newFakeSignal()
	c := NewCall(fs, StaticDevice{})

	connected(t, c, fs)

	fs.deliver(protocol.Message{Type: protocol.TypeNewProducer, RoomID: "r1", UserID: "alice", ProducerID: "p-self"})
	fs.deliver(protocol.Message{Type: protocol.TypeNewProducer, RoomID: "other", UserID: "bob", ProducerID: "p-x"})

	probe(t, c, func() {})
	assert.Empty(t, fs.sentOf(protocol.TypeConsume))
	probe(t, c, func() {
		assert.Empty(t, c.peers)
	})
}

func TestUserLeftRemovesPeerAndConsumers(t *testing.T) {
	fs := newFakeSignal()
	fs.withRoster(protocol.RoomUser{ID: "bob", Producers: []domain.ProducerID{"p-bob"}})
	c := NewCall(fs, StaticDevice{})

	left := make(chan Peer, 1)
	c.OnUserLeft(func(peer Peer) { left <- peer })

	connected(t, c, fs)
	require.Eventually(t, func() bool {
		return len(fs.sentOf(protocol.TypeConsume)) == 1
	}, time.Second, time.Millisecond)

	fs.deliver(protocol.Message{Type: protocol.TypeUserLeft, RoomID: "r1", UserID: "bob"})

	select {
	case peer := <-left:
		assert.Equal(t, domain.UserID("bob"), peer.ID)
	case <-time.After(time.Second):
		t.Fatal("departure not surfaced")
	}
	probe(t, c, func() {
		assert.Empty(t, c.peers)
		assert.Empty(t, c.consumers)
	})

	// A departure for an unknown user changes nothing and emits nothing.
	fs.deliver(protocol.Message{Type: protocol.TypeUserLeft, RoomID: "r1", UserID: "carol"})
	probe(t, c, func() {})
	select {
	case peer := <-left:
		t.Fatalf("unexpected departure for %s", peer.ID)
	default:
	}
}

func TestFailedStageSkipsTheRest(t *testing.T) {
	sendErr := errors.New("socket down")
	fs := newFakeSignal()
	fs.sendErr = map[protocol.MessageType]error{protocol.TypeJoin: sendErr}
	c := NewCall(fs, StaticDevice{})

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })
	c.OnConnected(func() { t.Error("connected despite failed join") })

	c.JoinCall(context.Background(), "r1", "alice")

	select {
	case err := <-errs:
		require.ErrorIs(t, err, sendErr)
	case <-time.After(time.Second):
		t.Fatal("error not surfaced")
	}

	probe(t, c, func() {})
	assert.Empty(t, fs.sentOf(protocol.TypeCreateTransport))
	assert.Equal(t, StageAwaitingOpen, c.Stage())
}

func TestConsumeGuards(t *testing.T) {
	fs := newFakeSignal()
	c := NewCall(fs, StaticDevice{})

	err := c.consume(context.Background(), "p-1", "bob")
	require.ErrorIs(t, err, ErrDeviceNotCreated)

	c.deviceLoaded = true
	err = c.consume(context.Background(), "p-1", "bob")
	require.ErrorIs(t, err, ErrRecvTransportNotCreated)
}

func TestProduceGuards(t *testing.T) {
	fs := newFakeSignal()
	c := NewCall(fs, StaticDevice{})

	err := c.produce(context.Background(), MediaOptions{Audio: true}, nil)
	require.ErrorIs(t, err, ErrDeviceNotCreated)

	c.deviceLoaded = true
	err = c.produce(context.Background(), MediaOptions{Audio: true}, nil)
	require.ErrorIs(t, err, ErrSendTransportNotCreated)
}

func TestLeaveCallClearsState(t *testing.T) {
	fs := newFakeSignal()
	fs.withRoster(protocol.RoomUser{ID: "bob", Producers: []domain.ProducerID{"p-bob"}})
	c := NewCall(fs, StaticDevice{})

	connected(t, c, fs)
	require.Eventually(t, func() bool {
		return len(fs.sentOf(protocol.TypeConsume)) == 1
	}, time.Second, time.Millisecond)

	c.LeaveCall()
	require.Eventually(t, func() bool {
		return len(fs.sentOf(protocol.TypeLeave)) == 1
	}, time.Second, time.Millisecond)

	leave := fs.sentOf(protocol.TypeLeave)[0]
	assert.Equal(t, domain.RoomID("r1"), leave.RoomID)
	assert.Equal(t, domain.UserID("alice"), leave.UserID)

	probe(t, c, func() {
		assert.Nil(t, c.sendTransport)
		assert.Nil(t, c.recvTransport)
		assert.Empty(t, c.producers)
		assert.Empty(t, c.consumers)
		assert.Empty(t, c.peers)
	})
}
