package dataset

import (
	"fmt"
	"path/filepath"

	"github.com/banshee-data/calibration.collector/internal/fsutil"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/timeutil"
)

// BackupTimeLayout names backup directories.
const BackupTimeLayout = "2006-01-02-15-04-05"

// PrepareOutputDir makes sure dir exists and is empty of earlier datasets.
// An existing dir is moved to backupRoot/<base>_<timestamp> first; the
// backup location is returned, or "" when nothing was moved.
func PrepareOutputDir(fsys fsutil.FileSystem, clock timeutil.Clock, dir, backupRoot string) (string, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	var backup string
	if fsys.Exists(dir) {
		if backupRoot == "" {
			backupRoot = filepath.Dir(filepath.Clean(dir))
		}
		if err := fsys.MkdirAll(backupRoot, 0755); err != nil {
			return "", fmt.Errorf("create backup directory: %w", err)
		}
		backup = filepath.Join(backupRoot, filepath.Base(filepath.Clean(dir))+"_"+clock.Now().Format(BackupTimeLayout))
		if fsys.Exists(backup) {
			return "", fmt.Errorf("backup destination %s already exists", backup)
		}
		if err := fsys.Rename(dir, backup); err != nil {
			return "", fmt.Errorf("back up %s: %w", dir, err)
		}
		monitoring.Warnf("moved existing dataset %s to %s", dir, backup)
	}

	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return backup, nil
}
