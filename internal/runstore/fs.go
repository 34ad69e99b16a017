package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"syncjob/internal/model"
)

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".syncjob-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

// WriteAttachment stores data under dir keyed by run id so concurrent runs of
// unrelated tasks never share a file. The caller removes it after use.
func WriteAttachment(dir, runID, name string, data []byte) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", fmt.Errorf("run id is required for attachment %s", name)
	}
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("syncjob-%s-%s", runID, filepath.Base(name)))
	if err := WriteBytes(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func TaskRecordPath(stateDir, jobName string) string {
	return filepath.Join(stateDir, jobName+".json")
}

// LoadTaskRecord returns an empty record for job names that never ran.
func LoadTaskRecord(stateDir, jobName string) (model.TaskRecord, error) {
	var rec model.TaskRecord
	err := ReadJSON(TaskRecordPath(stateDir, jobName), &rec)
	if err == nil {
		if rec.LastState != "" && !model.IsKnownState(rec.LastState) {
			return model.TaskRecord{}, fmt.Errorf("task record %s has unknown state %q", jobName, rec.LastState)
		}
		return rec, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return model.TaskRecord{JobName: jobName}, nil
	}
	return model.TaskRecord{}, err
}

func SaveTaskRecord(stateDir string, rec model.TaskRecord) error {
	if strings.TrimSpace(rec.JobName) == "" {
		return fmt.Errorf("task record job name is required")
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(TaskRecordPath(stateDir, rec.JobName), rec)
}

// UpdateTaskRecord applies fn to the stored record under the record lock.
func UpdateTaskRecord(stateDir, jobName string, fn func(*model.TaskRecord)) (model.TaskRecord, error) {
	if err := Mkdir(stateDir); err != nil {
		return model.TaskRecord{}, err
	}
	lock, err := AcquireRecordLock(stateDir, jobName)
	if err != nil {
		return model.TaskRecord{}, err
	}
	defer func() {
		_ = lock.Release()
	}()

	rec, err := LoadTaskRecord(stateDir, jobName)
	if err != nil {
		return model.TaskRecord{}, err
	}
	rec.JobName = jobName
	fn(&rec)
	if err := SaveTaskRecord(stateDir, rec); err != nil {
		return model.TaskRecord{}, err
	}
	return rec, nil
}
