package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itchio/cloudlet/client"
	"github.com/itchio/cloudlet/overlay"
)

var (
	serverAddr = "localhost:8021"
	keepOpen   = false
)

func synthesizeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synthesize <dir|zip|url>",
		Short: "Send an overlay to a cloudlet, and wait until it has synthesized the VM",
		Args:  cobra.ExactArgs(1),
		Run:   synthesize,
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", serverAddr, "cloudlet address")
	cmd.Flags().BoolVarP(&keepOpen, "keep", "k", keepOpen, "keep the session open until interrupted")
	return cmd
}

func synthesize(cmd *cobra.Command, args []string) {
	pkg, err := overlay.Open(args[0])
	if err != nil {
		fail(err)
	}
	defer pkg.Close()

	consumer := newConsumer(log.Fields{"server": serverAddr})
	c, err := client.Dial(serverAddr, consumer)
	if err != nil {
		fail(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, err := c.Synthesize(ctx, pkg)
	if err != nil {
		c.Close()
		fail(err)
	}

	log.WithFields(log.Fields{
		"session":   res.SessionID,
		"blobs":     res.BlobsSent,
		"on_demand": res.OnDemand,
		"sent":      humanize.IBytes(uint64(res.BytesSent)),
		"duration":  res.Duration,
	}).Info("synthesis done")

	if keepOpen {
		log.WithField("session", res.SessionID).Info("session open, interrupt to close it")
		<-ctx.Done()
	}

	err = c.Close()
	if err != nil {
		log.WithField("error", err).Warn("closing session")
	}
}
