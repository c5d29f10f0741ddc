// Test client: joins a room, produces synthetic tracks and logs peer
// events until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkaryakin/confa/internal/client"
	"github.com/dkaryakin/confa/internal/domain"
	"github.com/dkaryakin/confa/internal/signaling"
)

func main() {
	url := flag.String("url", "ws://localhost:8088/api/ws/signal", "signaling endpoint")
	room := flag.String("room", "r1", "room id")
	user := flag.String("user", "", "user id")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *user == "" {
		log.Fatal().Msg("user id is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ch := signaling.Dial(*url)
	ch.OnLifecycle(func(e signaling.Event) {
		log.Info().Str("event", string(e.Type)).Err(e.Err).Msg("channel")
	})

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	if err := ch.Start(dialCtx); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}

	call := client.NewCall(ch, client.StaticDevice{})
	call.OnConnected(func() {
		log.Info().Str("stage", call.Stage()).Msg("connected")
	})
	call.OnError(func(err error) {
		log.Error().Err(err).Msg("call error")
	})
	call.OnNewTrack(func(peer client.Peer, track client.MediaTrack) {
		log.Info().Str("peer", string(peer.ID)).Str("track", track.ID).Str("kind", track.Kind).Msg("new track")
	})
	call.OnUserLeft(func(peer client.Peer) {
		log.Info().Str("peer", string(peer.ID)).Msg("user left")
	})

	call.JoinCall(ctx, domain.RoomID(*room), domain.UserID(*user))

	<-ctx.Done()
	call.LeaveCall()
	time.Sleep(200 * time.Millisecond) // let the leave task flush
	ch.Close()
}
