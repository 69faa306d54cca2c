package simulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"winspec-relay/automation"
	"winspec-relay/message"
)

func TestDefaults(t *testing.T) {
	w := New(Options{})
	if got := w.Wavelength(); got != 500 {
		t.Errorf("expected wavelength 500, got %v", got)
	}
	if got := w.ExposureTime(); got != 10 {
		t.Errorf("expected exposure 10, got %v", got)
	}
	if got := w.DetectorTemperature(); got != -100 {
		t.Errorf("expected detector temperature -100, got %v", got)
	}
}

func TestSetWavelength(t *testing.T) {
	w := New(Options{})
	ctx := context.Background()

	if err := w.SetWavelength(ctx, 632.8); err != nil {
		t.Fatal(err)
	}
	if got := w.Wavelength(); got != 632.8 {
		t.Errorf("expected 632.8, got %v", got)
	}

	err := w.SetWavelength(ctx, -5)
	var vendor *automation.Error
	if !errors.As(err, &vendor) || vendor.Code != CodeHardwareError {
		t.Fatalf("expected HardwareError, got %v", err)
	}
	if got := w.Wavelength(); got != 632.8 {
		t.Errorf("failed move changed wavelength to %v", got)
	}
}

func TestConcurrentOperationIsBusy(t *testing.T) {
	w := New(Options{MoveDelay: 200 * time.Millisecond})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- w.SetWavelength(ctx, 700) }()
	time.Sleep(50 * time.Millisecond)

	err := w.SetExposureTime(ctx, 1)
	if !errors.Is(err, message.ErrBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := w.Wavelength(); got != 700 {
		t.Errorf("expected 700, got %v", got)
	}
}

func TestAcquireSpectrum(t *testing.T) {
	w := New(Options{Pixels: 11, Dispersion: 1})
	ctx := context.Background()
	if err := w.SetExposureTime(ctx, 0.01); err != nil {
		t.Fatal(err)
	}

	spec, err := w.AcquireSpectrum(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Wavelength) != 11 || len(spec.Intensity) != 11 {
		t.Fatalf("unexpected spectrum size %d/%d", len(spec.Wavelength), len(spec.Intensity))
	}
	if spec.Wavelength[0] != 495 || spec.Wavelength[5] != 500 || spec.Wavelength[10] != 505 {
		t.Errorf("wavelength axis not centred on 500: %v", spec.Wavelength)
	}
	if spec.Intensity[5] <= spec.Intensity[0] {
		t.Errorf("expected a peak at the centre pixel: %v", spec.Intensity)
	}
}

func TestAcquireSpectrumCancelled(t *testing.T) {
	w := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := w.AcquireSpectrum(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("acquisition ignored cancellation")
	}
}

func TestReflectedSurface(t *testing.T) {
	h := automation.NewHandle(automation.MustReflect(New(Options{})), automation.BusyWait)
	ctx := context.Background()

	v, err := h.Get(ctx, []string{"Detector", "Temperature"})
	if err != nil {
		t.Fatal(err)
	}
	if v != -100.0 {
		t.Errorf("expected -100, got %v", v)
	}

	if err := h.Set(ctx, []string{"Detector", "TargetTemperature"}, []byte(`-80`)); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.Get(ctx, []string{"DetectorTemperature"}); v != -80.0 {
		t.Errorf("expected -80 after cooling change, got %v", v)
	}

	err = h.Set(ctx, []string{"Detector", "TargetTemperature"}, []byte(`100`))
	if !errors.Is(err, message.ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}
