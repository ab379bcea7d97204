package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/server"
	"github.com/itchio/cloudlet/session"
)

var (
	listenAddr   = "0.0.0.0:8021"
	sessionsPath = "sessions.db"
	workDir      = "sessions"
	statsdAddr   = ""
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Synthesize VMs for clients that send overlays",
		Run:   serve,
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", listenAddr, "address to listen on")
	cmd.Flags().StringVarP(&storeDir, "store", "s", storeDir, "base VM store directory")
	cmd.Flags().StringVar(&sessionsPath, "sessions", sessionsPath, "session database")
	cmd.Flags().StringVarP(&workDir, "work", "w", workDir, "directory for synthesized images, empty to keep them in memory")
	cmd.Flags().StringVar(&statsdAddr, "statsd", statsdAddr, "statsd address to send metrics to")
	return cmd
}

func sessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List synthesis sessions",
		Run:   listSessions,
	}
	cmd.Flags().StringVar(&sessionsPath, "sessions", sessionsPath, "session database")
	return cmd
}

func serve(cmd *cobra.Command, args []string) {
	config := loadConfig()
	consumer := newConsumer(log.Fields{"listen": listenAddr})

	m, inm, err := cloudlet.NewMetrics("cloudlet", statsdAddr)
	if err != nil {
		log.WithFields(log.Fields{
			"error":  err,
			"statsd": statsdAddr,
			"func":   "cloudlet.NewMetrics",
		}).Fatal("failed to set up metrics")
	}

	sessions, err := session.Open(sessionsPath, consumer)
	if err != nil {
		fail(err)
	}
	defer sessions.Close()

	store := openStore()
	defer store.Close()

	srv, err := server.New(server.Params{
		Bases:    store,
		Sessions: sessions,
		Config:   config,
		WorkDir:  workDir,
		Consumer: consumer,
		Metrics:  m,
	})
	if err != nil {
		fail(err)
	}

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fail(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = srv.Serve(ctx, l)
	if err != nil {
		fail(err)
	}

	for _, interval := range inm.Data() {
		for name, c := range interval.Counters {
			log.WithFields(log.Fields{
				"metric": name,
				"count":  c.Count,
				"sum":    c.Sum,
			}).Debug("counter")
		}
	}
	log.Info("shut down")
}

func listSessions(cmd *cobra.Command, args []string) {
	sessions, err := session.Open(sessionsPath, newConsumer(log.Fields{}))
	if err != nil {
		fail(err)
	}
	defer sessions.Close()

	list, err := sessions.List()
	if err != nil {
		fail(err)
	}

	for _, sess := range list {
		line := fmt.Sprintf("%s  %-12s  base %.12s  started %s", sess.ID, sess.Status, sess.BaseFingerprint, humanize.Time(sess.CreatedAt))
		if !sess.ClosedAt.IsZero() {
			line += fmt.Sprintf(", lasted %s", sess.ClosedAt.Sub(sess.CreatedAt))
		}
		if sess.Reason != "" {
			line += fmt.Sprintf(" (%s)", sess.Reason)
		}
		fmt.Println(line)
	}
}
