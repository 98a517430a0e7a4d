// Package workspace manages the private per-job directory a worker uses to
// hold a submission's source, compiled artifact, and rendered sandbox
// config. A workspace belongs to exactly one job and is always destroyed
// when that job finishes, regardless of outcome.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is a job's private working directory.
type Workspace struct {
	Dir string
}

// Create makes a fresh, empty directory for jobID under root.
func Create(root, jobID string) (*Workspace, error) {
	dir := filepath.Join(root, jobID)
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
	}
	return &Workspace{Dir: dir}, nil
}

// WriteSource writes code to the workspace under filename.
func (w *Workspace) WriteSource(filename, code string) (string, error) {
	path := filepath.Join(w.Dir, filename)
	if err := os.WriteFile(path, []byte(code), 0600); err != nil {
		return "", fmt.Errorf("workspace: write source %s: %w", path, err)
	}
	return path, nil
}

// ArtifactPath returns the path a compiled artifact named name would live at.
func (w *Workspace) ArtifactPath(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteSandboxConfig writes the rendered launcher config into the workspace
// and returns its path.
func (w *Workspace) WriteSandboxConfig(rendered string) (string, error) {
	path := filepath.Join(w.Dir, "sandbox.cfg")
	if err := os.WriteFile(path, []byte(rendered), 0600); err != nil {
		return "", fmt.Errorf("workspace: write sandbox config %s: %w", path, err)
	}
	return path, nil
}

// Destroy removes the workspace directory and everything in it. Failure to
// clean up is the caller's to log; it never affects a job's result.
func (w *Workspace) Destroy() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("workspace: destroy %s: %w", w.Dir, err)
	}
	return nil
}
