package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/andrewchambers/quotafs"
	"github.com/andrewchambers/quotafs/cli"
)

func main() {
	cli.RegisterLedgerFlag()
	cli.RegisterArchiveFlag()
	name := flag.String("name", "", "Snapshot name, defaults to ledger.$UNIX_TIME when uploading.")
	restore := flag.Bool("restore", false, "Install the named snapshot as the ledger instead of uploading. The filesystem must not be mounted.")
	force := flag.Bool("force", false, "Restore a snapshot even if it contains corrupt lines, dropping them.")
	flag.Parse()
	cli.MustRequireLedger()

	archive := cli.MustOpenArchive()
	defer archive.Close()

	if *restore {
		if *name == "" {
			fmt.Fprintf(os.Stderr, "-restore requires -name\n")
			os.Exit(1)
		}
		report, err := quotafs.RestoreSnapshot(archive, *name, quotafs.NewFileWriter(cli.LedgerPath), *force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to restore snapshot: %s\n", err)
			os.Exit(1)
		}
		_, _ = fmt.Printf("Records: %d\n", report.Records)
		_, _ = fmt.Printf("CorruptLines: %d\n", len(report.Corrupt))
		return
	}

	if *name == "" {
		*name = fmt.Sprintf("ledger.%d", time.Now().Unix())
	}

	ledger, report, err := quotafs.LoadLedger(cli.LedgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load ledger: %s\n", err)
		os.Exit(1)
	}
	for _, c := range report.Corrupt {
		fmt.Fprintf(os.Stderr, "warning: %s\n", c)
	}

	n, err := quotafs.ArchiveSnapshot(archive, ledger.Snapshot(), *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to archive ledger: %s\n", err)
		os.Exit(1)
	}
	_, _ = fmt.Printf("Name: %s\n", *name)
	_, _ = fmt.Printf("Bytes: %d\n", n)
}
