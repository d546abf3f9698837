// Command strata is a maintenance CLI for a strata store: run garbage
// collection, verify cross-store consistency, and inspect or apply crash
// recovery.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	strata "github.com/stratadb/strata"
	"github.com/stratadb/strata/internal/config"
	"github.com/stratadb/strata/pkg/logging"
	"github.com/stratadb/strata/pkg/types"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 3 {
		printUsage()
		return 1
	}

	configPath := args[1]
	command := args[2]

	conf, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := logging.New(conf.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	db, err := strata.Open(strata.Config{
		Path:          conf.Path,
		MinimumFreeGB: conf.MinimumFreeGB,
		Compression:   conf.Compression,
		Logger:        log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	switch command {
	case "gc":
		return gcCmd(db, conf)
	case "watch":
		return watchCmd(db, conf, log)
	case "verify":
		return verifyCmd(db)
	case "recover":
		return recoverCmd(db, false)
	case "apply-recovery":
		return recoverCmd(db, true)
	case "info":
		return infoCmd(db)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: strata <config.yaml> <command>

commands:
  gc              run one garbage collection pass
  watch           run AutoGC until interrupted
  verify          cross-check branches, catalog and chunks
  recover         report what crash recovery would do
  apply-recovery  classify and apply crash recovery
  info            list branches, tables and versions`)
}

func gcCmd(db *strata.DB, conf config.Config) int {
	result, err := db.CollectGarbage(types.GCPolicy{MaxVersionsPerTable: conf.GC.MaxVersionsPerTable})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("deleted %d versions and %d chunks, freed %d bytes in %.3fs\n",
		result.VersionsDeleted, result.ChunksDeleted, result.BytesFreed, result.ElapsedSeconds)
	return 0
}

func watchCmd(db *strata.DB, conf config.Config, log *logrus.Logger) int {
	interval := time.Duration(conf.GC.IntervalSeconds) * time.Second
	if interval == 0 {
		fmt.Fprintln(os.Stderr, "gc.intervalSeconds must be set for watch")
		return 1
	}

	policy := types.GCPolicy{MaxVersionsPerTable: conf.GC.MaxVersionsPerTable}
	if err := db.StartAutoGC(policy, interval); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	if err := db.StopAutoGC(time.Minute); err != nil {
		log.WithField("err", err).Warn("auto gc did not stop cleanly")
		return 1
	}
	return 0
}

func verifyCmd(db *strata.DB) int {
	issues, err := db.VerifyConsistency()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(issues) == 0 {
		fmt.Println("store is consistent")
		return 0
	}
	for _, issue := range issues {
		fmt.Println(issue)
	}
	return 1
}

func recoverCmd(db *strata.DB, apply bool) int {
	var report types.RecoveryReport
	var err error
	if apply {
		report, err = db.RecoverAndApply()
	} else {
		report, err = db.Recover()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Printf("replayed: %d  rolled back: %d  already committed: %d  already aborted: %d  epoch: %d\n",
		len(report.Replayed), len(report.RolledBack),
		len(report.AlreadyCommitted), len(report.AlreadyAborted), report.LastCommittedEpoch)
	for _, w := range report.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, e := range report.Errors {
		fmt.Printf("error: %s\n", e)
	}
	if !report.IsClean() {
		return 1
	}
	return 0
}

func infoCmd(db *strata.DB) int {
	branches, err := db.Branches.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, name := range branches {
		b, err := db.Branches.Get(name)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("branch %s (%d tables)\n", b.Name, len(b.Heads))
		for table, head := range b.Heads {
			fmt.Printf("  %s @ %d\n", table, head)
		}
	}

	tables, err := db.Catalog.ListTables()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, table := range tables {
		versions, err := db.Catalog.ListVersions(table)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("table %s: %d versions (latest %d)\n", table, len(versions), versions[len(versions)-1])
	}
	return 0
}
