package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

const deviceIDPrefix = "PET_"

// deviceIdentity returns the stable device identifier: the configured
// override, else "PET_" + the first hardware address in hex, else a random
// one (logged by the caller, since it changes every boot).
func deviceIdentity(override string) (id string, stable bool) {
	if override != "" {
		return override, true
	}
	ifaces, err := net.Interfaces()
	if err == nil {
		if hw := firstHardwareAddr(ifaces); hw != nil {
			return hardwareID(hw), true
		}
	}
	return randomDeviceID(), false
}

func firstHardwareAddr(ifaces []net.Interface) net.HardwareAddr {
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) < 6 {
			continue
		}
		if isZeroAddr(ifc.HardwareAddr) {
			continue
		}
		return ifc.HardwareAddr
	}
	return nil
}

func isZeroAddr(hw net.HardwareAddr) bool {
	for _, b := range hw {
		if b != 0 {
			return false
		}
	}
	return true
}

// hardwareID formats the first six bytes as uppercase hex.
func hardwareID(hw net.HardwareAddr) string {
	return deviceIDPrefix + strings.ToUpper(fmt.Sprintf("%x", []byte(hw[:6])))
}

func randomDeviceID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return deviceIDPrefix + strings.ToUpper(hex[:12])
}
