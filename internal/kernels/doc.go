// Package kernels defines the narrow kernel-compute and shape-inference
// interfaces the engine consumes, and ships a registry of deterministic CPU
// kernels backed by gonum. The engine never looks inside a kernel: it sizes
// buffers from InferShapes and ScratchBytes and then calls Compute.
package kernels
