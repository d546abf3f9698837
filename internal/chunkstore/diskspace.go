package chunkstore

import (
	"fmt"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// checkFreeSpace refuses to open a store on a filesystem that is nearly
// full; running the engine out of disk mid-commit is much harder to recover
// from than failing at open time.
func checkFreeSpace(path string, minimumFreeGB uint64, log *logrus.Logger) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("reading disk usage for %s: %w", path, err)
	}

	freeGB := usage.Free / (1024 * 1024 * 1024)

	log.WithFields(logrus.Fields{
		"path":       path,
		"total (GB)": usage.Total / (1024 * 1024 * 1024),
		"free (GB)":  freeGB,
		"used %":     fmt.Sprintf("%.1f", usage.UsedPercent),
	}).Info("store disk usage")

	if freeGB < minimumFreeGB {
		return fmt.Errorf("not enough free space on %s: %d GB free, %d GB required", path, freeGB, minimumFreeGB)
	}
	return nil
}
