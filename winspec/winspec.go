// Package winspec offers typed spectrometer operations on top of a relay client.
package winspec

import (
	"context"
	"fmt"

	"winspec-relay/client"
)

// Paths names the remote members behind each operation. The zero value selects
// DefaultPaths.
type Paths struct {
	Wavelength          string
	ExposureTime        string
	DetectorTemperature string
	AcquireSpectrum     string
}

// DefaultPaths matches the surface served by the simulator backend.
var DefaultPaths = Paths{
	Wavelength:          "Wavelength",
	ExposureTime:        "ExposureTime",
	DetectorTemperature: "DetectorTemperature",
	AcquireSpectrum:     "AcquireSpectrum",
}

// Spectrum is one acquisition: wavelength of each pixel in nm and its intensity.
type Spectrum struct {
	Wavelength []float64 `json:"wavelength"`
	Intensity  []float64 `json:"intensity"`
}

// Parameters is a set of acquisition settings. Nil fields are left alone.
type Parameters struct {
	Wavelength   *float64 `json:"wavelength,omitempty"`    // nm
	ExposureTime *float64 `json:"exposure_time,omitempty"` // s
}

// Spectrometer is a remote spectrometer.
type Spectrometer struct {
	c     *client.Client
	paths Paths
}

// New wraps c. paths may be the zero value.
func New(c *client.Client, paths Paths) *Spectrometer {
	if paths == (Paths{}) {
		paths = DefaultPaths
	}
	return &Spectrometer{c: c, paths: paths}
}

// Wavelength returns the central wavelength in nm.
func (s *Spectrometer) Wavelength(ctx context.Context) (float64, error) {
	var nm float64
	err := s.c.Get(ctx, s.paths.Wavelength, &nm)
	return nm, err
}

// SetWavelength moves the grating and returns the wavelength read back afterwards.
func (s *Spectrometer) SetWavelength(ctx context.Context, nm float64) (float64, error) {
	if err := s.c.Set(ctx, s.paths.Wavelength, nm); err != nil {
		return 0, err
	}
	return s.Wavelength(ctx)
}

// ExposureTime returns the exposure time in seconds.
func (s *Spectrometer) ExposureTime(ctx context.Context) (float64, error) {
	var seconds float64
	err := s.c.Get(ctx, s.paths.ExposureTime, &seconds)
	return seconds, err
}

// SetExposureTime sets the exposure time and returns the value read back.
func (s *Spectrometer) SetExposureTime(ctx context.Context, seconds float64) (float64, error) {
	if err := s.c.Set(ctx, s.paths.ExposureTime, seconds); err != nil {
		return 0, err
	}
	return s.ExposureTime(ctx)
}

// DetectorTemperature returns the CCD temperature in °C.
func (s *Spectrometer) DetectorTemperature(ctx context.Context) (float64, error) {
	var celsius float64
	err := s.c.Get(ctx, s.paths.DetectorTemperature, &celsius)
	return celsius, err
}

// AcquireSpectrum runs one acquisition with the current settings. It blocks for at
// least the exposure time, so ctx and the client timeout must allow for it.
func (s *Spectrometer) AcquireSpectrum(ctx context.Context) (Spectrum, error) {
	var sp Spectrum
	err := s.c.Call(ctx, s.paths.AcquireSpectrum, &sp)
	return sp, err
}

// SetParameters applies every non-nil setting in p, in field order, and returns the
// values read back. On failure it returns the settings completed so far with the error.
func (s *Spectrometer) SetParameters(ctx context.Context, p Parameters) (Parameters, error) {
	var done Parameters
	if p.Wavelength != nil {
		nm, err := s.SetWavelength(ctx, *p.Wavelength)
		if err != nil {
			return done, fmt.Errorf("set wavelength: %w", err)
		}
		done.Wavelength = &nm
	}
	if p.ExposureTime != nil {
		seconds, err := s.SetExposureTime(ctx, *p.ExposureTime)
		if err != nil {
			return done, fmt.Errorf("set exposure time: %w", err)
		}
		done.ExposureTime = &seconds
	}
	return done, nil
}
