// Package hardware holds the thin sysfs and script backends both daemons
// use. The User Service only reads through them, writes happen in the Root
// Service.
package hardware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	hwmonPrefix = "/sys/class/hwmon"
	dmiPrefix   = "/sys/class/dmi/id"
)

// ErrNotFound is returned when a sysfs node a backend needs does not exist
var ErrNotFound = errors.New("sysfs node not found")

// Sysfs resolves sysfs paths below Root. An empty Root means the real
// filesystem, tests point it at a temporary directory.
type Sysfs struct {
	Root string
}

// Path maps an absolute sysfs path below Root
func (s Sysfs) Path(p string) string {
	if s.Root == "" {
		return p
	}
	return filepath.Join(s.Root, p)
}

// ReadString reads a node and trims surrounding whitespace
func (s Sysfs) ReadString(p string) (string, error) {
	data, err := os.ReadFile(s.Path(p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadUint reads a node holding a single unsigned integer
func (s Sysfs) ReadUint(p string) (uint64, error) {
	v, err := s.ReadString(p)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return n, nil
}

// ReadInt reads a node holding a single signed integer
func (s Sysfs) ReadInt(p string) (int64, error) {
	v, err := s.ReadString(p)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return n, nil
}

// Write replaces the content of a node
func (s Sysfs) Write(p, data string) error {
	if err := os.WriteFile(s.Path(p), []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

// Exists reports whether a node exists
func (s Sysfs) Exists(p string) bool {
	_, err := os.Stat(s.Path(p))
	return err == nil
}

// FindHwmon returns the hwmon directory whose name attribute equals name
func (s Sysfs) FindHwmon(name string) (string, error) {
	return s.findNamed(hwmonPrefix, "hwmon", name)
}

// findNamed returns the child of class whose name attribute equals name
func (s Sysfs) findNamed(class, what, name string) (string, error) {
	entries, err := os.ReadDir(s.Path(class))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s %s: %w", what, name, ErrNotFound)
		}
		return "", fmt.Errorf("failed to list %s devices: %w", what, err)
	}
	for _, e := range entries {
		dir := filepath.Join(class, e.Name())
		got, err := s.ReadString(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if got == name {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%s %s: %w", what, name, ErrNotFound)
}

// Range is an inclusive hardware-declared bound
type Range struct {
	Min uint32
	Max uint32
}

// Contains reports whether v lies within the range
func (r Range) Contains(v uint32) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.Min, r.Max)
}
