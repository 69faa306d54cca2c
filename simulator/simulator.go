// Package simulator provides a stand-in for the Winspec application, for running the
// relay away from the spectrometer.
//
// All methods block until the operation completes. Conflicting operations fail with
// a SpectrometerBusy error instead of waiting, as the instrument would.
package simulator

import (
	"context"
	"math"
	"sync"
	"time"

	"winspec-relay/automation"
	"winspec-relay/message"
)

// Error codes reported by the simulated instrument.
const (
	CodeSpectrometerBusy = "SpectrometerBusy"
	CodeHardwareError    = "HardwareError"
)

// Spectrum is one acquisition: intensity per pixel and the wavelength of each pixel.
type Spectrum struct {
	Wavelength []float64 `json:"wavelength"`
	Intensity  []float64 `json:"intensity"`
}

// Options tune the simulated hardware. Zero values select the defaults.
type Options struct {
	Pixels        int           // Detector width, default 1024
	Dispersion    float64       // nm per pixel, default 0.1
	MoveDelay     time.Duration // Grating/shutter settle time per setting change
	MaxWavelength float64       // Upper grating limit in nm, default 1500
}

// Winspec simulates the spectrometer automation surface.
type Winspec struct {
	busy sync.Mutex // held for the duration of an operation
	mu   sync.Mutex // guards the fields below

	opts       Options
	wavelength float64 // nm
	exposure   float64 // s
	detector   *Detector
}

// New returns a simulator in its power-on state: 500 nm, 10 s exposure, -100 °C.
func New(opts Options) *Winspec {
	if opts.Pixels <= 0 {
		opts.Pixels = 1024
	}
	if opts.Dispersion <= 0 {
		opts.Dispersion = 0.1
	}
	if opts.MaxWavelength <= 0 {
		opts.MaxWavelength = 1500
	}
	return &Winspec{
		opts:       opts,
		wavelength: 500,
		exposure:   10,
		detector:   &Detector{temperature: -100, target: -100},
	}
}

func busyError(op string) error {
	return &automation.Error{
		Code:    CodeSpectrometerBusy,
		Message: "Unable to " + op + " due to concurrent operation",
		Err:     message.ErrBusy,
	}
}

func (w *Winspec) settle(ctx context.Context) error {
	if w.opts.MoveDelay <= 0 {
		return nil
	}
	return sleep(ctx, w.opts.MoveDelay)
}

// Wavelength returns the currently set central wavelength in nanometres.
func (w *Winspec) Wavelength() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wavelength
}

// SetWavelength moves the grating to a new central wavelength in nanometres.
func (w *Winspec) SetWavelength(ctx context.Context, nm float64) error {
	if !w.busy.TryLock() {
		return busyError("update wavelength")
	}
	defer w.busy.Unlock()

	if nm < 0 || nm > w.opts.MaxWavelength || math.IsNaN(nm) {
		return &automation.Error{Code: CodeHardwareError, Message: "Spectrometer error: wavelength out of range"}
	}
	if err := w.settle(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.wavelength = nm
	w.mu.Unlock()
	return nil
}

// ExposureTime returns the exposure time in seconds.
func (w *Winspec) ExposureTime() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exposure
}

// SetExposureTime sets the exposure time in seconds.
func (w *Winspec) SetExposureTime(ctx context.Context, seconds float64) error {
	if !w.busy.TryLock() {
		return busyError("update exposure time")
	}
	defer w.busy.Unlock()

	if seconds < 0 || math.IsNaN(seconds) {
		return &automation.Error{Code: CodeHardwareError, Message: "exposure time must not be negative", Err: message.ErrInvalidArgument}
	}
	if err := w.settle(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.exposure = seconds
	w.mu.Unlock()
	return nil
}

// DetectorTemperature returns the CCD temperature in °C.
func (w *Winspec) DetectorTemperature() float64 {
	return w.detector.Temperature()
}

// Detector exposes the detector as a sub-object (Detector.Temperature, ...).
func (w *Winspec) Detector() automation.Object {
	return automation.MustReflect(w.detector)
}

// AcquireSpectrum exposes the detector for the configured exposure time and reads
// it out. The wavelength axis is centred on the current grating position.
func (w *Winspec) AcquireSpectrum(ctx context.Context) (Spectrum, error) {
	if !w.busy.TryLock() {
		return Spectrum{}, busyError("start acquisition")
	}
	defer w.busy.Unlock()

	w.mu.Lock()
	centre, exposure := w.wavelength, w.exposure
	w.mu.Unlock()

	if err := sleep(ctx, time.Duration(exposure*float64(time.Second))); err != nil {
		return Spectrum{}, err
	}

	n := w.opts.Pixels
	spec := Spectrum{
		Wavelength: make([]float64, n),
		Intensity:  make([]float64, n),
	}
	start := centre - w.opts.Dispersion*float64(n-1)/2
	for i := 0; i < n; i++ {
		spec.Wavelength[i] = start + w.opts.Dispersion*float64(i)
		// Dark level plus one emission line at the centre, scaled by exposure.
		d := float64(i - n/2)
		spec.Intensity[i] = 100 + exposure*1000*math.Exp(-d*d/50)
	}
	return spec, nil
}

// Detector is the simulated CCD.
type Detector struct {
	mu          sync.Mutex
	temperature float64
	target      float64
}

// Temperature returns the current CCD temperature in °C.
func (d *Detector) Temperature() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.temperature
}

// TargetTemperature returns the cooling set point in °C.
func (d *Detector) TargetTemperature() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// SetTargetTemperature changes the cooling set point. The simulated detector
// reaches it immediately.
func (d *Detector) SetTargetTemperature(celsius float64) error {
	if celsius < -120 || celsius > 25 {
		return &automation.Error{Code: CodeHardwareError, Message: "detector set point out of range", Err: message.ErrInvalidArgument}
	}
	d.mu.Lock()
	d.target, d.temperature = celsius, celsius
	d.mu.Unlock()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
