package main

import (
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/basevm"
)

var storeDir = "bases"

func baseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "base",
		Short: "Manage base VMs",
		Run:   help,
	}
	cmd.PersistentFlags().StringVarP(&storeDir, "store", "s", storeDir, "base VM store directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "import <disk> <memory>",
		Short: "Hash a base VM's disk image and memory snapshot, and add them to the store",
		Args:  cobra.ExactArgs(2),
		Run:   baseImport,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the base VMs of the store",
		Run:   baseList,
	})
	return cmd
}

func openStore() *basevm.Store {
	config := loadConfig()
	return basevm.NewStore(storeDir, config, newConsumer(log.Fields{"store": storeDir}))
}

func baseImport(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	b, err := store.Import(args[0], args[1])
	if err != nil {
		fail(err)
	}
	printBase(b)
}

func baseList(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	fingerprints, err := store.List()
	if err != nil {
		fail(err)
	}

	for _, fingerprint := range fingerprints {
		b, err := store.Get(fingerprint)
		if err != nil {
			log.WithFields(log.Fields{
				"error":       err,
				"fingerprint": fingerprint,
				"func":        "store.Get",
			}).Warn("skipping unreadable base")
			continue
		}
		printBase(b)
	}
}

func printBase(b *basevm.Base) {
	fmt.Printf("%s  disk %s  memory %s  created %s\n",
		b.Fingerprint(),
		humanize.IBytes(uint64(b.Size(cloudlet.ImageDisk))),
		humanize.IBytes(uint64(b.Size(cloudlet.ImageMemory))),
		humanize.Time(time.Unix(b.Meta.CreatedAt, 0)),
	)
}
