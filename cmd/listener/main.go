// Command listener joins a room as a headless peer and consumes every producer
// the server announces, logging the remote set as it changes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/huddle/internal/client"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

func main() {
	url := pflag.String("url", "ws://localhost:8080/api/ws/signal", "signaling endpoint")
	room := pflag.String("room", "demo", "room to join")
	timeout := pflag.Duration("timeout", client.DefaultTimeout, "per request timeout")
	duration := pflag.Duration("duration", 0, "leave after this long; 0 runs until interrupted")
	debug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	device, err := client.NewHeadlessDevice()
	if err != nil {
		log.Fatal().Err(err).Msg("device")
	}
	sock := client.Dial(ctx, *url, client.WithTimeout(*timeout))
	defer sock.Close()

	sock.OnEvent(protocol.EventConnectionSuccess, func(e client.Event) {
		hello, err := protocol.Decode[protocol.ConnectionSuccess](e.Data)
		if err != nil {
			return
		}
		log.Info().Str("module", "listener").Str("peer", string(hello.PeerID)).Msg(hello.Message)
	})

	n := client.NewNegotiator(sock, device)
	defer n.Close()
	n.OnChange(func(remotes []client.Remote) {
		arr := zerolog.Arr()
		for _, r := range remotes {
			arr.Dict(zerolog.Dict().
				Str("producer", r.ProducerID).
				Str("kind", string(r.Kind)).
				Bool("paused", r.Paused))
		}
		log.Info().Str("module", "listener").Array("remotes", arr).Msg("remote set changed")
	})
	go n.Run(ctx)

	joined, err := n.Join(ctx, domain.RoomID(*room))
	if err != nil {
		log.Fatal().Err(err).Str("room", *room).Msg("join failed")
	}
	log.Info().
		Str("module", "listener").
		Str("room", *room).
		Int("users", joined.UsersInRoom).
		Int("producers", len(joined.Producers)).
		Msg(joined.Message)

	keepAlive := time.NewTicker(20 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "listener").Msg("leaving")
			return
		case <-sock.Done():
			log.Warn().Str("module", "listener").Msg("signaling channel closed")
			return
		case <-keepAlive.C:
			if _, err := sock.Request(ctx, protocol.Ping, protocol.Empty{}); err != nil {
				log.Warn().Err(err).Str("module", "listener").Msg("ping")
			}
		}
	}
}
