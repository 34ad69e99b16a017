package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const recordLockOwnerFile = "owner.json"

// RecordLock serializes task record updates on one host. It does not keep two
// runs of the same task apart; the scheduler's singleton dependency does that.
type RecordLock struct {
	lockDir string
}

type recordLockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

const (
	lockRetryInterval = 50 * time.Millisecond
	lockWait          = 5 * time.Second
	staleLockAge      = 2 * time.Minute
)

func AcquireRecordLock(stateDir, jobName string) (RecordLock, error) {
	target := strings.TrimSpace(stateDir)
	if target == "" {
		return RecordLock{}, fmt.Errorf("state directory is required")
	}
	lockDir := filepath.Join(target, "."+jobName+".lock")

	deadline := time.Now().Add(lockWait)
	for {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return RecordLock{}, fmt.Errorf("acquire record lock for %s: %w", jobName, err)
		}
		if breakStaleLock(lockDir) {
			continue
		}
		if time.Now().After(deadline) {
			ownerPath := filepath.Join(lockDir, recordLockOwnerFile)
			var owner recordLockOwner
			if readErr := ReadJSON(ownerPath, &owner); readErr == nil && owner.PID > 0 && owner.CreatedAt != "" {
				return RecordLock{}, fmt.Errorf(
					"task record is locked: %s (pid=%d created_at=%s host=%s)",
					jobName, owner.PID, owner.CreatedAt, owner.Hostname,
				)
			}
			return RecordLock{}, fmt.Errorf("task record is locked: %s", jobName)
		}
		time.Sleep(lockRetryInterval)
	}

	owner := recordLockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	ownerPath := filepath.Join(lockDir, recordLockOwnerFile)
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.Remove(lockDir)
		return RecordLock{}, fmt.Errorf("write record lock owner for %s: %w", jobName, err)
	}

	return RecordLock{lockDir: lockDir}, nil
}

func (l RecordLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, recordLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release record lock %s: %w", l.lockDir, err)
	}
	return nil
}

// breakStaleLock removes a lock left behind by a process killed mid-update.
func breakStaleLock(lockDir string) bool {
	info, err := os.Stat(lockDir)
	if err != nil || time.Since(info.ModTime()) < staleLockAge {
		return false
	}
	_ = os.Remove(filepath.Join(lockDir, recordLockOwnerFile))
	return os.Remove(lockDir) == nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
