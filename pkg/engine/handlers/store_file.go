package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/users"
)

// Write modes understood by FileStoreHandler.
const (
	WriteModeOverwrite = "overwrite"
	WriteModeAppend    = "append"
)

// FileStoreHandler writes the routed user as one CSV line.
//
// Node config: path, group, mode (overwrite or append).
type FileStoreHandler struct {
	logger *slog.Logger
}

// NewFileStoreHandler creates a group writer.
func NewFileStoreHandler(logger *slog.Logger) *FileStoreHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStoreHandler{logger: logger}
}

// Execute writes the record and returns a domain.WriteReceipt.
func (h *FileStoreHandler) Execute(_ context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
	routed, err := runtime.As[domain.RoutedUser](in)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: %v", domain.ErrWriteFailure, err)
	}

	group := domain.RoutingDecision(getString(node.Config, "group"))
	if group != "" && group != routed.Decision {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure},
			fmt.Errorf("%w: writer %s handles %s, record routed to %s", domain.ErrWriteFailure, node.ID, group, routed.Decision)
	}

	path := getString(node.Config, "path")
	if path == "" {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: node %s has no path", domain.ErrWriteFailure, node.ID)
	}

	line, err := users.EncodeRecord(routed.User)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: encoding record: %v", domain.ErrWriteFailure, err)
	}

	mode := getString(node.Config, "mode")
	switch mode {
	case "", WriteModeOverwrite:
		err = replaceFile(path, line)
	case WriteModeAppend:
		err = appendFile(path, line)
	default:
		err = fmt.Errorf("unknown write mode %q", mode)
	}
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: %s: %v", domain.ErrWriteFailure, path, err)
	}

	h.logger.Info("store: record written",
		"node_id", node.ID,
		"run_id", in.RunID,
		"path", path,
		"group", routed.Decision,
	)
	return runtime.Success(domain.WriteReceipt{Group: routed.Decision, Path: path, Bytes: len(line)}), nil
}

// replaceFile writes data next to path and renames it into place, so readers
// never observe a partial file.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
