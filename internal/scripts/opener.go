package scripts

import (
	"fmt"
	"os/exec"
	"runtime"
)

// FolderOpener shows a directory to the user.
type FolderOpener interface {
	Open(dir string) error
}

// SystemOpener opens directories with the desktop's file manager.
type SystemOpener struct{}

func (SystemOpener) Open(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("explorer", dir)
	case "darwin":
		cmd = exec.Command("open", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open folder %s: %w", dir, err)
	}
	// Reap the child without blocking the caller.
	go cmd.Wait()
	return nil
}
