package chrome

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// defaultBrowserPaths lists where the browser binary usually lives, per
// platform, probed in order when Config.BrowserPath is empty.
func defaultBrowserPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Comet.app/Contents/MacOS/Comet",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		return []string{
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Comet", "Application", "comet.exe"),
			filepath.Join(os.Getenv("PROGRAMFILES"), "Google", "Chrome", "Application", "chrome.exe"),
		}
	default:
		return []string{"comet", "google-chrome", "chromium", "chromium-browser"}
	}
}

func (m *Manager) resolveBrowserPath() (string, error) {
	if m.cfg.BrowserPath != "" {
		return m.cfg.BrowserPath, nil
	}
	for _, candidate := range defaultBrowserPaths() {
		if strings.ContainsRune(candidate, os.PathSeparator) {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			continue
		}
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no browser binary found, set browser_path in the config")
}

// launchBrowser starts the browser with remote debugging enabled and leaves
// it running detached. The caller polls the endpoint to learn when it is up.
func (m *Manager) launchBrowser(ctx context.Context) error {
	path, err := m.resolveBrowserPath()
	if err != nil {
		return err
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", m.cfg.DebugPort),
		"--no-first-run",
		"--no-default-browser-check",
	}
	if m.cfg.UserDataDir != "" {
		args = append(args, "--user-data-dir="+m.cfg.UserDataDir)
	}
	if m.cfg.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}

	// Deliberately not CommandContext: the browser must outlive the
	// startup context.
	cmd := exec.Command(path, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}
	// The browser outlives us; reap it in the background so it never
	// becomes a zombie while this process is alive.
	go func() { _ = cmd.Wait() }()
	return nil
}

// processRunning reports whether a process with the given name exists. Used
// to distinguish "browser not running" from "browser running without
// debugging", which needs a restart rather than a second instance.
func processRunning(name string) bool {
	if name == "" {
		return false
	}
	if runtime.GOOS == "windows" {
		out, err := exec.Command("tasklist", "/FI", "IMAGENAME eq "+name+".exe", "/NH").Output()
		if err != nil {
			return false
		}
		return strings.Contains(strings.ToLower(string(out)), strings.ToLower(name))
	}
	err := exec.Command("pgrep", "-x", name).Run()
	return err == nil
}
