package contract

import (
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed versions/*.yaml
var versionFS embed.FS

// Manifest is the frozen member set of one released interface version.
// Interfaces maps the full interface name to member signatures.
type Manifest struct {
	Version    int                 `yaml:"version"`
	Interfaces map[string][]string `yaml:"interfaces"`
}

var (
	manifestMu    sync.RWMutex
	manifestCache = make(map[int]*Manifest)
)

// LoadManifest loads the released manifest for version v
func LoadManifest(v int) (*Manifest, error) {
	manifestMu.RLock()
	if m, ok := manifestCache[v]; ok {
		manifestMu.RUnlock()
		return m, nil
	}
	manifestMu.RUnlock()

	data, err := versionFS.ReadFile(fmt.Sprintf("versions/v%d.yaml", v))
	if err != nil {
		return nil, fmt.Errorf("interface version %d not found: %w", v, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest v%d: %w", v, err)
	}
	if m.Version != v {
		return nil, fmt.Errorf("manifest v%d declares version %d", v, m.Version)
	}

	manifestMu.Lock()
	manifestCache[v] = &m
	manifestMu.Unlock()

	return &m, nil
}

// ReleasedVersions returns every embedded manifest version in ascending order
func ReleasedVersions() ([]int, error) {
	entries, err := versionFS.ReadDir("versions")
	if err != nil {
		return nil, fmt.Errorf("reading versions directory: %w", err)
	}

	var versions []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".yaml"))
		if err != nil {
			return nil, fmt.Errorf("bad manifest file name %q: %w", name, err)
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// CatalogManifest renders the live catalog as it looked at version v, i.e.
// only members released at or before v.
func CatalogManifest(v int) *Manifest {
	m := &Manifest{Version: v, Interfaces: make(map[string][]string)}
	for _, iface := range catalog {
		for _, member := range iface.Members {
			if member.Since <= v {
				m.Interfaces[iface.Name] = append(m.Interfaces[iface.Name], member.Signature())
			}
		}
	}
	return m
}

// Missing returns the members of m that are absent from, or re-signatured in,
// newer. An empty result means newer is an additive extension of m.
func (m *Manifest) Missing(newer *Manifest) []string {
	var missing []string
	for iface, members := range m.Interfaces {
		have := make(map[string]bool, len(newer.Interfaces[iface]))
		for _, sig := range newer.Interfaces[iface] {
			have[sig] = true
		}
		for _, sig := range members {
			if !have[sig] {
				missing = append(missing, iface+" "+sig)
			}
		}
	}
	sort.Strings(missing)
	return missing
}
