//go:build linux

package hal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/pkg/log"
)

// Step handlers understood by LinuxHAL.
const (
	HandlerScript   = "microsoft/script:1"
	HandlerSWUpdate = "microsoft/swupdate:1"
)

// LinuxHAL 是真实 Linux 设备的适配器
type LinuxHAL struct{}

func NewHAL() core.HAL {
	return &LinuxHAL{}
}

func (h *LinuxHAL) DeviceID() string {
	if id := os.Getenv("TRUSTAGENT_DEVICE_ID"); id != "" {
		return id
	}
	if id := readTrimmed("/etc/trustagent/device-id"); id != "" {
		return id
	}
	return readTrimmed("/etc/machine-id")
}

func (h *LinuxHAL) Manufacturer() string {
	return readTrimmed("/sys/class/dmi/id/sys_vendor")
}

func (h *LinuxHAL) Model() string {
	return readTrimmed("/sys/class/dmi/id/product_name")
}

func (h *LinuxHAL) InstallStep(ctx context.Context, handler string, files []string, installedCriteria string) error {
	if len(files) == 0 {
		return fmt.Errorf("step %s has no files", handler)
	}

	var cmd *exec.Cmd
	switch handler {
	case HandlerScript:
		// 第一个文件是脚本，其余文件作为参数传入
		cmd = exec.CommandContext(ctx, "/bin/sh", files...)
	case HandlerSWUpdate:
		cmd = exec.CommandContext(ctx, "swupdate", "-i", files[0])
	default:
		return fmt.Errorf("unsupported step handler %q", handler)
	}
	cmd.Env = append(os.Environ(), "TRUSTAGENT_INSTALLED_CRITERIA="+installedCriteria)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", handler, err, strings.TrimSpace(string(out)))
	}
	log.Info("Install step finished", "handler", handler, "output", strings.TrimSpace(string(out)))
	return nil
}

func (h *LinuxHAL) Reboot() error {
	log.Info("System is rebooting NOW...")
	syscall.Sync()
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
}

func readTrimmed(path string) string {
	data, _ := os.ReadFile(path)
	return strings.TrimSpace(string(data))
}
