//go:build !linux

package hal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/pkg/log"
)

const fileInstalled = "installed_criteria"

var (
	count int
	mu    sync.Mutex
)

// MockHAL simulates a device under a temp directory.
type MockHAL struct {
	id      string
	baseDir string
}

func NewHAL() core.HAL {
	id := os.Getenv("TRUSTAGENT_DEVICE_ID")
	if id == "" {
		mu.Lock()
		count++
		timestampPart := fmt.Sprintf("%08d", time.Now().Unix()%100000000)
		id = fmt.Sprintf("MDEV%s%06d", timestampPart, count)
		mu.Unlock()
	}

	baseDir := filepath.Join(os.TempDir(), "trustagent-devices", id)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to provision mock storage for %s: %v", id, err))
	}

	return &MockHAL{id: id, baseDir: baseDir}
}

func (h *MockHAL) DeviceID() string {
	return h.id
}

func (h *MockHAL) Manufacturer() string {
	return "Contoso"
}

func (h *MockHAL) Model() string {
	return "Simulator"
}

func (h *MockHAL) InstallStep(ctx context.Context, handler string, files []string, installedCriteria string) error {
	log.Info("[HAL-Mock] Running install step", "id", h.id, "handler", handler, "files", files)
	for i := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond): // 模拟安装耗时
		}
		log.Info(fmt.Sprintf("[HAL-Mock] Installing... %d/%d", i+1, len(files)))
	}
	return os.WriteFile(filepath.Join(h.baseDir, fileInstalled), []byte(installedCriteria), 0644)
}

func (h *MockHAL) Reboot() error {
	log.Warn("[HAL-Mock] >>> REBOOT REQUESTED <<<")
	log.Info(fmt.Sprintf(">>> [BOOT] %s restarted (simulated) <<<", h.id))
	return nil
}
