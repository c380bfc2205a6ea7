package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/andrewchambers/quotafs"
	"github.com/andrewchambers/quotafs/cli"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func usage() {
	fmt.Printf("quotafs-mount [OPTS] MIRROR_ROOT MOUNTPOINT\n\n")
	flag.PrintDefaults()
	os.Exit(1)
}

func main() {
	cli.RegisterLogFlags()
	cli.RegisterLedgerFlag()
	cli.RegisterConfigFlag()
	cli.RegisterDefaultQuotaFlag()
	cli.RegisterArchiveFlag()
	debugFuse := flag.Bool("debug-fuse", false, "Log fuse messages.")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the mount, needed to account for more than one uid.")
	activityLog := flag.String("activity-log", "", "Append a human readable record of ledger changes to this file.")
	activityLogMaxMB := flag.Int("activity-log-max-mb", 100, "Rotate the activity log once it reaches this size.")
	metricsAddr := flag.String("metrics-addr", "", "Serve prometheus metrics on this address (empty to disable).")
	archiveInterval := flag.Duration("archive-interval", 1*time.Hour, "Ledger snapshot archive interval when -archive is set (0 to disable).")
	notifyCommand := flag.String("notify-command", "", "A command to run via sh -c \"$CMD\" once filesystem is successfully mounted.")

	flag.Parse()

	if len(flag.Args()) != 2 {
		usage()
	}

	mirrorRoot := flag.Args()[0]
	mntDir := flag.Args()[1]

	opts := quotafs.EnforcerOpts{
		Config:  cli.MustLoadConfig(),
		Metrics: quotafs.NewMetrics(),
	}
	if *activityLog != "" {
		opts.Activity = quotafs.NewActivityLog(*activityLog, *activityLogMaxMB)
	}

	enforcer := cli.MustOpenEnforcer(mirrorRoot, opts)
	defer func() {
		err := enforcer.Close()
		if err != nil {
			klog.ErrorS(err, "error closing enforcer")
		}
		klog.Flush()
	}()

	root, err := quotafs.NewQuotaRoot(mirrorRoot, enforcer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open mirror root: %s\n", err)
		os.Exit(1)
	}

	server, err := fs.Mount(mntDir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       "quotafs",
			FsName:     mirrorRoot,
			AllowOther: *allowOther,
			Debug:      *debugFuse,
			MaxWrite:   fuse.MAX_KERNEL_WRITE,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to mount filesystem: %s\n", err)
		os.Exit(1)
	}
	klog.InfoS("filesystem successfully mounted", "mirror", mirrorRoot, "mountpoint", mntDir, "ledger", cli.LedgerPath)

	cli.RegisterUnmountSignalHandlers(server.Unmount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		g.Go(func() error {
			return quotafs.StartMetricsServer(
				ctx,
				*metricsAddr,
				opts.Metrics,
				quotafs.NewLedgerCollector(enforcer),
				collectors.NewGoCollector(),
			)
		})
	}

	if cli.ArchiveSpec != "" && *archiveInterval != 0 {
		archive := cli.MustOpenArchive()
		defer archive.Close()
		g.Go(func() error {
			ticker := time.NewTicker(*archiveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					name := fmt.Sprintf("ledger.%d", time.Now().Unix())
					n, err := enforcer.ArchiveSnapshot(archive, name)
					if err != nil {
						klog.ErrorS(err, "unable to archive ledger snapshot", "name", name)
						continue
					}
					klog.V(2).InfoS("archived ledger snapshot", "name", name, "bytes", n)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	if *notifyCommand != "" {
		cmdOut, err := exec.Command("sh", "-c", *notifyCommand).CombinedOutput()
		if err != nil {
			klog.ErrorS(err, "error running notify command", "output", string(cmdOut))
			_ = server.Unmount()
		}
	}

	// Serve the file system, until unmounted by calling fusermount -u
	server.Wait()

	cancel()
	err = g.Wait()
	if err != nil {
		klog.ErrorS(err, "background worker failed")
	}
}
