package core

import (
	"context"
)

// HAL (Hardware Abstraction Layer) 定义了 Agent 与底层操作系统/硬件交互的标准接口。
type HAL interface {
	// Info 接口：获取设备静态信息
	DeviceID() string
	Manufacturer() string
	Model() string

	// InstallStep 执行 manifest 中的一个安装步骤。
	// files 是已下载并校验过的本地文件路径，顺序与 step 中的 files 一致。
	InstallStep(ctx context.Context, handler string, files []string, installedCriteria string) error

	// Reboot 执行系统重启
	Reboot() error
}
