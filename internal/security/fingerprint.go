package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// HardwareFingerprint identifies the physical host a license is bound to.
// The Fingerprint field is what gets stored on the license record and
// compared at validation time; the remaining fields exist for diagnostics.
type HardwareFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUInfo     string    `json:"cpu_info"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintSource derives a stable hardware fingerprint for the local
// machine. Results are cached because the underlying attributes do not
// change between reboots, let alone between requests.
type FingerprintSource struct {
	mu          sync.RWMutex
	cached      *HardwareFingerprint
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// NewFingerprintSource creates a fingerprint source with a one hour cache.
func NewFingerprintSource() *FingerprintSource {
	return &FingerprintSource{cacheTTL: time.Hour}
}

// Generate derives the fingerprint from MAC address, hostname, CPU info and
// platform, hashed with SHA-256. Individual attribute failures fall back to
// fixed placeholders so the fingerprint stays deterministic on hosts where
// an attribute is unreadable.
func (s *FingerprintSource) Generate() (*HardwareFingerprint, error) {
	s.mu.RLock()
	if s.cached != nil && time.Now().Before(s.cacheExpiry) {
		fp := *s.cached
		s.mu.RUnlock()
		return &fp, nil
	}
	s.mu.RUnlock()

	mac, err := primaryMACAddress()
	if err != nil {
		mac = "unknown-mac"
		slog.Warn("failed to read MAC address, using fallback", slog.String("error", err.Error()))
	}

	hostname, err := normalizedHostname()
	if err != nil {
		hostname = "unknown-host"
		slog.Warn("failed to read hostname, using fallback", slog.String("error", err.Error()))
	}

	cpuInfo := cpuIdentifier()

	combined := strings.Join([]string{mac, hostname, cpuInfo, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))

	fp := &HardwareFingerprint{
		Fingerprint: hex.EncodeToString(sum[:]),
		Hostname:    hostname,
		MACAddress:  mac,
		CPUInfo:     cpuInfo,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GeneratedAt: time.Now(),
	}

	s.mu.Lock()
	s.cached = fp
	s.cacheExpiry = time.Now().Add(s.cacheTTL)
	s.mu.Unlock()

	slog.Debug("hardware fingerprint generated",
		slog.String("fingerprint", fp.Fingerprint),
		slog.String("hostname", hostname),
	)
	return fp, nil
}

// Matches reports whether the local machine matches a stored fingerprint.
func (s *FingerprintSource) Matches(stored string) (bool, error) {
	current, err := s.Generate()
	if err != nil {
		return false, fmt.Errorf("generate fingerprint: %w", err)
	}
	return current.Fingerprint == stored, nil
}

// ClearCache drops the cached fingerprint. Used by tests.
func (s *FingerprintSource) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.cacheExpiry = time.Time{}
}

func primaryMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list network interfaces: %w", err)
	}

	// Prefer an up, non-loopback interface.
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	return "", fmt.Errorf("no interface with a usable MAC address")
}

func normalizedHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("read hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// cpuIdentifier returns a short stable hash of whatever CPU identity the
// platform exposes. Linux reads /proc/cpuinfo; everything else falls back to
// GOOS/GOARCH, which is stable even if coarse.
func cpuIdentifier() string {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					sum := sha256.Sum256([]byte(line))
					return hex.EncodeToString(sum[:8])
				}
			}
		}
	}
	sum := sha256.Sum256([]byte(runtime.GOOS + "-" + runtime.GOARCH))
	return hex.EncodeToString(sum[:8])
}
