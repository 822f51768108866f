package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/model"
)

// StatusFileName is the progress report inside a data directory.
const StatusFileName = "status.json"

// maxStatusErrors bounds the error list carried in the status report.
const maxStatusErrors = 100

// WriteStatus atomically replaces dir/status.json.
func WriteStatus(dir string, st model.Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return logfile.AtomicWrite(filepath.Join(dir, StatusFileName), append(data, '\n'), 0o644)
}

// ReadStatus reads dir/status.json. found is false when none exists.
func ReadStatus(dir string) (st model.Status, found bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFileName))
	if os.IsNotExist(err) {
		return model.Status{}, false, nil
	}
	if err != nil {
		return model.Status{}, false, fmt.Errorf("read status: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return model.Status{}, false, fmt.Errorf("decode status: %w", err)
	}
	return st, true, nil
}
