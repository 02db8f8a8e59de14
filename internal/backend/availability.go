package backend

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Available returns a comma-separated list of available backends.
func Available() string {
	return strings.Join([]string{CPU}, ",")
}

// Features lists the SIMD and half-precision capabilities of the host CPU
// that matter for float32 attention kernels.
func Features() []string {
	var out []string
	switch runtime.GOARCH {
	case "amd64", "386":
		add := func(ok bool, name string) {
			if ok {
				out = append(out, name)
			}
		}
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
		add(cpu.X86.HasAVX512BF16, "avx512bf16")
	case "arm64":
		add := func(ok bool, name string) {
			if ok {
				out = append(out, name)
			}
		}
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fphp")
		add(cpu.ARM64.HasASIMDHP, "asimdhp")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return out
}

// Describe summarises the host for logs and the inspect command.
func Describe() string {
	feats := Features()
	if len(feats) == 0 {
		return runtime.GOOS + "/" + runtime.GOARCH
	}
	return runtime.GOOS + "/" + runtime.GOARCH + " [" + strings.Join(feats, " ") + "]"
}
