package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/andrewchambers/quotafs"
	"github.com/andrewchambers/quotafs/cli"
	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
)

func main() {
	cli.RegisterLedgerFlag()
	rawBytes := flag.Bool("bytes", false, "Print sizes in bytes instead of human readable units.")
	flag.Parse()
	cli.MustRequireLedger()

	ledger, report, err := quotafs.LoadLedger(cli.LedgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading ledger: %s\n", err)
		os.Exit(1)
	}

	formatSize := func(n uint64) string {
		if *rawBytes {
			return fmt.Sprintf("%d", n)
		}
		return humanize.IBytes(n)
	}

	records := ledger.Snapshot().Records()
	sort.Slice(records, func(i, j int) bool { return records[i].Uid < records[j].Uid })

	t := tabby.New()
	t.AddHeader("UID", "USED", "QUOTA", "FREE", "USE%")
	for _, rec := range records {
		t.AddLine(
			fmt.Sprintf("%d", rec.Uid),
			formatSize(rec.BytesUsed),
			formatSize(rec.QuotaMax),
			formatSize(rec.Remaining()),
			fmt.Sprintf("%.1f%%", 100*float64(rec.BytesUsed)/float64(rec.QuotaMax)),
		)
	}
	t.Print()

	for _, c := range report.Corrupt {
		fmt.Fprintf(os.Stderr, "warning: %s\n", c)
	}
}
