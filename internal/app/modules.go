package app

import "github.com/vk/flowvm/internal/kernels"

// newKernelRegistry returns the builtin kernels plus any extra ones. An
// extra kernel may not shadow a builtin.
func newKernelRegistry(extra ...kernels.Kernel) (*kernels.Registry, error) {
	reg := kernels.Builtin()
	for _, k := range extra {
		if err := reg.Register(k); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
