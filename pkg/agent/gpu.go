package agent

import (
	"bytes"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
)

// DetectGPUs enumerates NVIDIA accelerators with nvidia-smi. A node without
// any accelerator returns nil; jobs requesting GPUs are never routed to it.
func DetectGPUs(logger *zap.Logger) []api.GPUDevice {
	if gpus := detectNVIDIA(logger); len(gpus) > 0 {
		return gpus
	}
	return nil
}

func detectNVIDIA(logger *zap.Logger) []api.GPUDevice {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		logger.Debug("nvidia-smi not available", zap.Error(err))
		return nil
	}

	var gpus []api.GPUDevice
	for i, line := range strings.Split(out.String(), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		gpus = append(gpus, api.GPUDevice{Index: i, Model: normalizeGPUModel(name)})
	}

	if len(gpus) > 0 {
		logger.Info("Detected NVIDIA GPUs",
			zap.Int("count", len(gpus)),
			zap.String("model", gpus[0].Model),
		)
	}
	return gpus
}

// normalizeGPUModel maps a raw device name to a stable lowercase identifier,
// e.g. "NVIDIA A100-SXM4-80GB" becomes "nvidia-a100-sxm4-80gb".
func normalizeGPUModel(name string) string {
	model := strings.ToLower(strings.TrimSpace(name))
	model = strings.ReplaceAll(model, " ", "-")
	if !strings.HasPrefix(model, "nvidia") {
		model = "nvidia-" + model
	}
	return model
}
