package main

import (
	"net"
	"regexp"
	"testing"
)

func TestHardwareID(t *testing.T) {
	hw := net.HardwareAddr{0xa1, 0xb2, 0xc3, 0xd4, 0xe5, 0xf6}
	if got := hardwareID(hw); got != "PET_A1B2C3D4E5F6" {
		t.Fatalf("hardwareID = %q", got)
	}
}

func TestFirstHardwareAddr(t *testing.T) {
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagLoopback, HardwareAddr: net.HardwareAddr{1, 2, 3, 4, 5, 6}},
		{Name: "dummy0", HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 0}},
		{Name: "tun0"},
		{Name: "wlan0", HardwareAddr: net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}},
		{Name: "eth0", HardwareAddr: net.HardwareAddr{9, 9, 9, 9, 9, 9}},
	}
	hw := firstHardwareAddr(ifaces)
	if hw.String() != "de:ad:be:ef:00:01" {
		t.Fatalf("picked %v", hw)
	}
	if firstHardwareAddr(ifaces[:3]) != nil {
		t.Fatalf("expected no usable address")
	}
}

func TestDeviceIdentity(t *testing.T) {
	id, stable := deviceIdentity("BENCH_01")
	if id != "BENCH_01" || !stable {
		t.Fatalf("override ignored: %q %v", id, stable)
	}

	// Whatever the host has, the derived id has the documented shape.
	id, _ = deviceIdentity("")
	if !regexp.MustCompile(`^PET_[0-9A-F]{12}$`).MatchString(id) {
		t.Fatalf("unexpected id shape %q", id)
	}
}
