package config

import "testing"

func TestDefaultMatchesSpecFractions(t *testing.T) {
	cfg := Default()
	if cfg.KernelReserveFraction != 0.375 {
		t.Fatalf("expected 0.375 kernel reserve, got %v", cfg.KernelReserveFraction)
	}
	if cfg.LowWatermarkFraction != 0.0625 || cfg.TargetWatermarkFraction != 0.125 {
		t.Fatalf("expected low=0.0625 target=0.125, got low=%v target=%v", cfg.LowWatermarkFraction, cfg.TargetWatermarkFraction)
	}
}
