package cmd

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glelouet/rdmamig"
	"github.com/glelouet/rdmamig/internal/logging"
)

func newServeCmd() *cobra.Command {
	var ramMB int

	cmd := &cobra.Command{
		Use:   "serve <host:port>",
		Short: "Await an incoming migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := rdmamig.SystemTransport()
			if err != nil {
				return err
			}
			ram := make([]byte, ramMB<<20)
			return runServe(cmd.Context(), transport, args[0], ram)
		},
	}

	cmd.Flags().IntVar(&ramMB, "ram-mb", 64, "size of the synthetic RAM block")
	return cmd
}

// runServe accepts one migration and drives the destination loop: consume
// the byte-stream, entering the registration loop at each iteration hook.
func runServe(ctx context.Context, transport rdmamig.Transport, addr string, ram []byte) error {
	log := logging.Default()

	opts := buildOptions(transport, rdmamig.SequentialBlocks(ram))
	in, err := rdmamig.StartIncoming(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer in.Close()

	log.Infof("waiting for migration on %s", addr)
	stream, err := in.Accept(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	log.Infof("migration connected, chunk registration: %v", stream.ChunkMode())

	var state []byte
	buf := make([]byte, 32<<10)
	word := make([]byte, 0, 8)
	for {
		n, err := stream.GetBuffer(buf)
		if err != nil {
			// The source disconnecting ends the migration.
			break
		}
		data := buf[:n]

		// Scan for iteration hooks; anything else is device state.
		for len(data) > 0 {
			need := 8 - len(word)
			take := need
			if take > len(data) {
				take = len(data)
			}
			word = append(word, data[:take]...)
			data = data[take:]
			if len(word) < 8 {
				continue
			}
			if binary.BigEndian.Uint64(word) == rdmamig.HookMarker {
				log.Debugf("iteration hook, serving registrations")
				if err := stream.RegistrationHandle(); err != nil {
					return err
				}
			} else {
				state = append(state, word...)
			}
			word = word[:0]
		}
	}
	state = append(state, word...)

	snap := stream.MetricsSnapshot()
	log.Infof("migration finished: %d bytes of device state, %d registrations, %d control messages",
		len(state), snap.Registrations, snap.ControlRecvs)
	fmt.Printf("received %d bytes of device state\n", len(state))
	return nil
}
