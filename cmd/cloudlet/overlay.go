package main

import (
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/delta"
	"github.com/itchio/cloudlet/overlay"
)

var (
	createBase     = ""
	createDisk     = ""
	createMemory   = ""
	createDiscards = ""
	createOut      = "overlay"
)

func overlayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Create and inspect overlays",
		Run:   help,
	}

	cmdCreate := &cobra.Command{
		Use:   "create",
		Short: "Create an overlay holding what a modified VM changed from its base",
		Run:   overlayCreate,
	}
	cmdCreate.Flags().StringVarP(&storeDir, "store", "s", storeDir, "base VM store directory")
	cmdCreate.Flags().StringVarP(&createBase, "base", "b", createBase, "fingerprint of the base VM")
	cmdCreate.Flags().StringVarP(&createDisk, "disk", "d", createDisk, "disk image of the modified VM")
	cmdCreate.Flags().StringVarP(&createMemory, "memory", "m", createMemory, "memory snapshot of the modified VM")
	cmdCreate.Flags().StringVar(&createDiscards, "discards", createDiscards, "discard log of the modified VM's disk")
	cmdCreate.Flags().StringVarP(&createOut, "out", "o", createOut, "directory to write the overlay to")
	cmd.AddCommand(cmdCreate)

	cmd.AddCommand(&cobra.Command{
		Use:   "package <dir> <zip>",
		Short: "Package an overlay directory as a single zip file",
		Args:  cobra.ExactArgs(2),
		Run:   overlayPackage,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <dir|zip|url>",
		Short: "Print an overlay's manifest",
		Args:  cobra.ExactArgs(1),
		Run:   overlayInspect,
	})
	return cmd
}

func overlayCreate(cmd *cobra.Command, args []string) {
	if createBase == "" || createDisk == "" || createMemory == "" {
		log.Fatal("--base, --disk and --memory are required")
	}

	config := loadConfig()
	store := openStore()
	defer store.Close()

	b, err := store.Get(createBase)
	if err != nil {
		fail(err)
	}

	var discards *delta.DiscardLog
	if createDiscards != "" {
		f, err := os.Open(createDiscards)
		if err != nil {
			log.WithFields(log.Fields{
				"error": err,
				"path":  createDiscards,
				"func":  "os.Open",
			}).Fatal("failed to open discard log")
		}
		discards, err = delta.ParseDiscardLog(f)
		f.Close()
		if err != nil {
			fail(err)
		}
	}

	res, err := overlay.Create(overlay.CreateParams{
		Base:       b,
		DiskPath:   createDisk,
		MemoryPath: createMemory,
		Discards:   discards,
		OutputDir:  createOut,
		Config:     config,
		Consumer:   newConsumer(log.Fields{"overlay": createOut}),
	})
	if err != nil {
		fail(err)
	}

	m := res.Manifest
	log.WithFields(log.Fields{
		"blobs":  len(m.Blobs),
		"chunks": m.NumChunks(),
		"size":   humanize.IBytes(uint64(m.TotalSize())),
	}).Info("overlay created")
	fmt.Println(res.Stats)
}

func overlayPackage(cmd *cobra.Command, args []string) {
	err := overlay.WriteZip(args[0], args[1], newConsumer(log.Fields{"zip": args[1]}))
	if err != nil {
		fail(err)
	}
}

func overlayInspect(cmd *cobra.Command, args []string) {
	pkg, err := overlay.Open(args[0])
	if err != nil {
		fail(err)
	}
	defer pkg.Close()

	m := pkg.Manifest()
	fmt.Printf("base        %s\n", m.BaseFingerprint)
	fmt.Printf("chunk size  %s\n", humanize.IBytes(uint64(m.ChunkSize)))
	fmt.Printf("disk        %s, %d chunks changed\n", humanize.IBytes(uint64(m.DiskSize)), len(m.CoveredChunks(cloudlet.ImageDisk)))
	fmt.Printf("memory      %s, %d chunks changed\n", humanize.IBytes(uint64(m.MemorySize)), len(m.CoveredChunks(cloudlet.ImageMemory)))
	fmt.Printf("compression %s\n", m.Compression)
	fmt.Printf("blobs       %d, %s total\n", len(m.Blobs), humanize.IBytes(uint64(m.TotalSize())))
	for _, desc := range m.Blobs {
		fmt.Printf("  %s  %8s  %d disk + %d memory chunks\n",
			desc.Name, humanize.IBytes(uint64(desc.Size)), len(desc.DiskChunks), len(desc.MemoryChunks))
	}
}
