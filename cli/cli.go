package cli

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/andrewchambers/quotafs"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

var LedgerPath string
var ConfigPath string
var DefaultQuota uint64
var ArchiveSpec string

func RegisterLogFlags() {
	klog.InitFlags(nil)
}

func RegisterLedgerFlag() {
	flag.StringVar(
		&LedgerPath,
		"ledger",
		os.Getenv("QUOTAFS_LEDGER"),
		"Path of the usage ledger, defaults to QUOTAFS_LEDGER if set. Must be outside the mirror root.",
	)
}

func RegisterConfigFlag() {
	flag.StringVar(
		&ConfigPath,
		"config",
		"",
		"Optional JSON file with default_quota and per uid seed quotas.",
	)
}

func RegisterDefaultQuotaFlag() {
	flag.Uint64Var(
		&DefaultQuota,
		"default-quota",
		0,
		fmt.Sprintf("Quota in bytes given to new users, overrides the config file (default %d).", quotafs.DefaultQuota),
	)
}

func RegisterArchiveFlag() {
	flag.StringVar(
		&ArchiveSpec,
		"archive",
		"",
		"Snapshot archive, file:/some/dir or s3://host/prefix?bucket=b.",
	)
}

// RegisterUnmountSignalHandlers calls unmount on SIGINT or SIGTERM so the
// server returns and the caller can shut down cleanly.
func RegisterUnmountSignalHandlers(unmount func() error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)

	go func() {
		<-sigChan
		signal.Reset()
		fmt.Fprintf(os.Stderr, "unmounting due to signal...\n")
		err := unmount()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error unmounting: %s\n", err)
			os.Exit(1)
		}
	}()
}

func MustRequireLedger() {
	if LedgerPath == "" {
		fmt.Fprintf(os.Stderr, "-ledger is required\n")
		os.Exit(1)
	}
}

func MustLoadConfig() quotafs.Config {
	cfg := quotafs.Config{}
	if ConfigPath != "" {
		var err error
		cfg, err = quotafs.LoadConfig(ConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to load config: %s\n", err)
			os.Exit(1)
		}
	}
	if DefaultQuota != 0 {
		cfg.DefaultQuota = DefaultQuota
	}
	return cfg
}

func MustOpenEnforcer(mirrorRoot string, opts quotafs.EnforcerOpts) *quotafs.Enforcer {
	MustRequireLedger()
	err := quotafs.CheckLedgerOutsideMirror(mirrorRoot, LedgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid ledger path %q: %s\n", LedgerPath, err)
		os.Exit(1)
	}
	enforcer, report, err := quotafs.OpenEnforcer(LedgerPath, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open ledger: %s\n", err)
		os.Exit(1)
	}
	if len(report.Corrupt) != 0 {
		fmt.Fprintf(os.Stderr, "warning: skipped %d corrupt ledger lines\n", len(report.Corrupt))
	}
	return enforcer
}

func MustOpenArchive() quotafs.SnapshotArchive {
	archive, err := quotafs.NewSnapshotArchive(ArchiveSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open snapshot archive: %s\n", err)
		os.Exit(1)
	}
	return archive
}
