// Package discovery enumerates serial ports from sysfs and assigns them to
// stream roles by matching their description.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Port is one enumerated serial device.
type Port struct {
	Name        string // device path, e.g. /dev/ttyUSB0
	Description string
	HWID        string
}

// Enumerator lists serial ports known to the kernel.
type Enumerator struct {
	SysRoot string // default /sys/class/tty
	DevRoot string // default /dev
}

// MissingDevicesError reports that fewer matching ports were found than needed.
type MissingDevicesError struct {
	Prefix string
	Want   int
	Got    int
}

func (e *MissingDevicesError) Error() string {
	return fmt.Sprintf("found %d of %d ports matching %q", e.Got, e.Want, e.Prefix)
}

// List returns every tty that is backed by a real device, i.e. has a
// "device" link in sysfs. Virtual consoles and ptys are skipped.
func (e Enumerator) List() ([]Port, error) {
	sysRoot := e.SysRoot
	if sysRoot == "" {
		sysRoot = "/sys/class/tty"
	}
	devRoot := e.DevRoot
	if devRoot == "" {
		devRoot = "/dev"
	}

	entries, err := os.ReadDir(sysRoot)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", sysRoot, err)
	}

	var ports []Port
	for _, entry := range entries {
		devDir, err := filepath.EvalSymlinks(filepath.Join(sysRoot, entry.Name(), "device"))
		if err != nil {
			continue
		}
		// Legacy 8250 placeholders have a platform device but no hardware.
		if driver, err := filepath.EvalSymlinks(filepath.Join(devDir, "driver")); err == nil &&
			filepath.Base(driver) == "serial8250" {
			continue
		}
		ports = append(ports, Port{
			Name:        filepath.Join(devRoot, entry.Name()),
			Description: describe(devDir),
			HWID:        hardwareID(devDir),
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

// Match keeps ports whose description starts with prefix, in port name
// order, and returns the first n of them.
func Match(ports []Port, prefix string, n int) ([]Port, error) {
	sorted := append([]Port(nil), ports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var matched []Port
	for _, p := range sorted {
		if strings.HasPrefix(p.Description, prefix) {
			matched = append(matched, p)
			if len(matched) == n {
				return matched, nil
			}
		}
	}
	return matched, &MissingDevicesError{Prefix: prefix, Want: n, Got: len(matched)}
}

// describe walks up from the tty's device directory to the nearest USB
// interface or device and returns its name.
func describe(devDir string) string {
	for _, attr := range []string{"interface", "product"} {
		if v := findAttr(devDir, attr); v != "" {
			return v
		}
	}
	return "n/a"
}

func hardwareID(devDir string) string {
	vid := findAttr(devDir, "idVendor")
	pid := findAttr(devDir, "idProduct")
	if vid == "" || pid == "" {
		return "n/a"
	}
	id := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(vid), strings.ToUpper(pid))
	if ser := findAttr(devDir, "serial"); ser != "" {
		id += " SER=" + ser
	}
	return id
}

// findAttr reads attr from dir or one of its three nearest ancestors.
func findAttr(dir, attr string) string {
	for i := 0; i < 4 && dir != "/" && dir != "."; i++ {
		if data, err := os.ReadFile(filepath.Join(dir, attr)); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v
			}
		}
		dir = filepath.Dir(dir)
	}
	return ""
}
