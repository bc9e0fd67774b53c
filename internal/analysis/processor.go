// SPDX-License-Identifier: MIT
package analysis

// AudioProcessor is implemented by components that analyse mono sample
// buffers. Process runs on the pipeline worker, so implementations must not
// block.
type AudioProcessor interface {
	Process(samples []float64)
}

// ClosableProcessor combines AudioProcessor with a Close method for resource cleanup.
type ClosableProcessor interface {
	AudioProcessor
	Close() error
}
