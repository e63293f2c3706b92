// Package process tracks the background proxy service through a PID file and
// a count of client sessions using it.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	pidFilename = ".ccm.pid"
	refFilename = "ccm-reference-count.txt"
)

type Manager struct {
	pidFile string
	refFile string
	logger  *slog.Logger
	mu      sync.RWMutex
}

func NewManager(baseDir string, logger *slog.Logger) *Manager {
	return &Manager{
		pidFile: filepath.Join(baseDir, pidFilename),
		refFile: filepath.Join(baseDir, refFilename),
		logger:  logger,
	}
}

func (m *Manager) WritePID() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0750); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// ReadPID returns the recorded PID, or 0.
func (m *Manager) ReadPID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readInt(m.pidFile)
}

func (m *Manager) IsRunning() bool {
	pid := m.ReadPID()
	if pid == 0 {
		return false
	}

	if err := syscall.Kill(pid, 0); err != nil {
		m.CleanupPID()
		return false
	}

	return true
}

// Stop sends SIGTERM and waits up to five seconds for the service to exit.
func (m *Manager) Stop() error {
	pid := m.ReadPID()
	if pid == 0 {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to process %d: %w", pid, err)
	}

	for i := 0; i < 50; i++ {
		if !m.IsRunning() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	m.CleanupPID()
	return nil
}

func (m *Manager) CleanupPID() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(m.pidFile)
}

func (m *Manager) IncrementRef() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeRef(readInt(m.refFile) + 1)
}

func (m *Manager) DecrementRef() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := readInt(m.refFile); c > 0 {
		m.writeRef(c - 1)
	}
}

// ReadRef returns the number of client sessions using the service.
func (m *Manager) ReadRef() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readInt(m.refFile)
}

func (m *Manager) writeRef(count int) {
	if err := os.MkdirAll(filepath.Dir(m.refFile), 0750); err != nil {
		m.logger.Warn("Failed to create reference directory", "error", err)
		return
	}
	if err := os.WriteFile(m.refFile, []byte(strconv.Itoa(count)), 0600); err != nil {
		m.logger.Warn("Failed to write reference file", "path", m.refFile, "error", err)
	}
}

func (m *Manager) CleanupRef() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(m.refFile)
}

func (m *Manager) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove file", "path", path, "error", err)
	}
}

func readInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// WaitForService waits until the service has written its PID and, when
// healthURL is set, answers it with 200.
func (m *Manager) WaitForService(healthURL string, timeout time.Duration) bool {
	client := &http.Client{Timeout: time.Second}
	expire := time.Now().Add(timeout)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(expire) {
		if m.IsRunning() && healthy(client, healthURL) {
			return true
		}
		<-ticker.C
	}

	return false
}

func healthy(client *http.Client, url string) bool {
	if url == "" {
		return true
	}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// StartServiceIfNeeded starts "<self> start" in the background unless the
// service is already running. It reports whether it started the service.
func (m *Manager) StartServiceIfNeeded(healthURL string) (bool, error) {
	if m.IsRunning() {
		return false, nil
	}

	cmd := exec.Command(os.Args[0], "start")
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start service: %w", err)
	}

	if !m.WaitForService(healthURL, 10*time.Second) {
		return false, errors.New("service startup timeout")
	}

	return true, nil
}
