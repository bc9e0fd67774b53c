// SPDX-License-Identifier: MIT
package transport

import "errors"

// Transport defines a generic interface for sending processed data or events.
// Implementations should be thread-safe.
type Transport interface {
	Send(data any) error
	Close() error
}

// FFTResultProvider is an interface for processors that provide FFT results.
// This decouples publishers and band analysis from the concrete FFT processor.
type FFTResultProvider interface {
	GetMagnitudes() []float64                // Thread-safe copy of the latest magnitude spectrum.
	GetMagnitudesInto(dest []float64) error  // Allocation-free copy; dest must be GetFFTSize()/2+1 long.
	GetFrequencyForBin(binIndex int) float64 // Centre frequency (Hz) of a bin.
	GetFFTSize() int                         // Number of FFT points.
	GetSampleRate() float64                  // Sample rate of the analysed signal.
}

// Multi fans every message out to several transports.
type Multi []Transport

// Send delivers data to every transport and joins their errors.
func (m Multi) Send(data any) error {
	var errs []error
	for _, t := range m {
		if err := t.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every transport and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Transport = Multi(nil)
