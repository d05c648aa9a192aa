package security

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
)

// Attribute names collected for the fingerprint
const (
	AttrCPUModel   = "cpu.model"
	AttrCPUCores   = "cpu.cores"
	AttrArch       = "arch"
	AttrOS         = "os"
	AttrPrimaryMAC = "net.primary_mac"
	AttrMemTotal   = "mem.total"
	AttrInstallID  = "install.id"
)

const fingerprintFileVersion = 1

var fingerprintPattern = regexp.MustCompile(`^[0-9A-F]{8}(-[0-9A-F]{8}){7}$`)

// ErrNoAttributes is returned when the collector yields nothing to hash
var ErrNoAttributes = errors.New("no machine attributes available")

// Collector gathers raw machine attributes
type Collector interface {
	Collect(ctx context.Context) (map[string]string, error)
}

// CollectorFunc adapts a function to the Collector interface
type CollectorFunc func(ctx context.Context) (map[string]string, error)

// Collect implements Collector
func (f CollectorFunc) Collect(ctx context.Context) (map[string]string, error) {
	return f(ctx)
}

// Drift is the outcome of comparing the persisted fingerprint with a fresh computation
type Drift struct {
	Stored   string
	Current  string
	Detected bool
}

type fingerprintFile struct {
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Fingerprinter derives a stable machine identifier and pins it to a local file
// on first use, so later attribute changes cannot re-identify the machine.
type Fingerprinter struct {
	path      string
	collector Collector
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	value string
}

// FingerprintOption configures a Fingerprinter
type FingerprintOption func(*Fingerprinter)

// WithCollector replaces the system attribute collector
func WithCollector(c Collector) FingerprintOption {
	return func(f *Fingerprinter) { f.collector = c }
}

// WithFingerprintClock sets the clock used for generated_at
func WithFingerprintClock(now func() time.Time) FingerprintOption {
	return func(f *Fingerprinter) { f.now = now }
}

// NewFingerprinter creates a Fingerprinter persisting to path
func NewFingerprinter(path string, logger *slog.Logger, opts ...FingerprintOption) *Fingerprinter {
	f := &Fingerprinter{
		path:      path,
		collector: SystemCollector{},
		logger:    infrastructure.WithComponent(logger, "fingerprint"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fingerprint returns the machine fingerprint, computing and persisting it on
// first use. A persistence failure does not fail the call.
func (f *Fingerprinter) Fingerprint(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.value != "" {
		return f.value, nil
	}

	stored, err := f.readStored()
	switch {
	case err == nil:
		f.value = stored
		return stored, nil
	case !errors.Is(err, fs.ErrNotExist):
		f.logger.WarnContext(ctx, "stored fingerprint unreadable, recomputing",
			slog.String("path", f.path),
			slog.String("error", err.Error()))
	}

	computed, err := f.Compute(ctx)
	if err != nil {
		return "", err
	}

	if err := f.persist(computed); err != nil {
		f.logger.WarnContext(ctx, "fingerprint not persisted, degraded durability: machine may be re-identified on next start",
			slog.String("path", f.path),
			slog.String("error", err.Error()))
	} else {
		f.logger.InfoContext(ctx, "fingerprint generated",
			slog.String("fingerprint", infrastructure.MaskFingerprint(computed)),
			slog.String("path", f.path))
	}

	f.value = computed
	return computed, nil
}

// Compute derives the fingerprint from current attributes without touching
// the persisted value.
func (f *Fingerprinter) Compute(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	attrs, err := f.collector.Collect(ctx)
	if err != nil {
		return "", fmt.Errorf("collect machine attributes: %w", err)
	}
	return HashAttributes(attrs)
}

// CheckDrift recomputes the fingerprint and compares it with the pinned one.
// Drift is logged and reported, never applied.
func (f *Fingerprinter) CheckDrift(ctx context.Context) (Drift, error) {
	stored, err := f.Fingerprint(ctx)
	if err != nil {
		return Drift{}, err
	}
	current, err := f.Compute(ctx)
	if err != nil {
		return Drift{}, err
	}

	d := Drift{Stored: stored, Current: current, Detected: stored != current}
	if d.Detected {
		f.logger.WarnContext(ctx, "hardware fingerprint drift detected",
			slog.String("event", "fingerprint_drift"),
			slog.String("stored", infrastructure.MaskFingerprint(stored)),
			slog.String("current", infrastructure.MaskFingerprint(current)),
			slog.String("path", f.path))
	}
	return d, nil
}

// Reset forgets the pinned fingerprint. The next Fingerprint call recomputes it.
func (f *Fingerprinter) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.value = ""
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove fingerprint file: %w", err)
	}
	f.logger.InfoContext(ctx, "fingerprint reset", slog.String("path", f.path))
	return nil
}

func (f *Fingerprinter) readStored() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", err
	}
	var ff fingerprintFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return "", fmt.Errorf("decode fingerprint file: %w", err)
	}
	if ff.Version != fingerprintFileVersion || !fingerprintPattern.MatchString(ff.Fingerprint) {
		return "", fmt.Errorf("fingerprint file has unexpected content (version %d)", ff.Version)
	}
	return ff.Fingerprint, nil
}

func (f *Fingerprinter) persist(fp string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fingerprintFile{
		Version:     fingerprintFileVersion,
		Fingerprint: fp,
		GeneratedAt: f.now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

// HashAttributes normalizes attributes into sorted lowercase key:value lines
// and formats their SHA-256 digest as eight dash-separated uppercase blocks.
func HashAttributes(attrs map[string]string) (string, error) {
	lines := make([]string, 0, len(attrs))
	for k, v := range attrs {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(v))
		if k == "" || v == "" {
			continue
		}
		lines = append(lines, k+":"+v)
	}
	if len(lines) == 0 {
		return "", ErrNoAttributes
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))

	blocks := make([]string, 0, 8)
	for i := 0; i < len(digest); i += 8 {
		blocks = append(blocks, digest[i:i+8])
	}
	return strings.Join(blocks, "-"), nil
}

// NormalizeFingerprint strips separators and uppercases a fingerprint
func NormalizeFingerprint(fp string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(fp), "-", ""))
}

// SystemCollector reads attributes from the running machine. Missing sources
// are skipped.
type SystemCollector struct{}

// Collect implements Collector
func (SystemCollector) Collect(ctx context.Context) (map[string]string, error) {
	attrs := map[string]string{
		AttrCPUCores: strconv.Itoa(runtime.NumCPU()),
		AttrArch:     runtime.GOARCH,
		AttrOS:       runtime.GOOS,
	}

	if model := cpuModel(); model != "" {
		attrs[AttrCPUModel] = model
	}
	if mac := primaryMAC(); mac != "" {
		attrs[AttrPrimaryMAC] = mac
	}
	if f, err := os.Open("/proc/meminfo"); err == nil {
		if total := ParseMemTotal(f); total != "" {
			attrs[AttrMemTotal] = total
		}
		f.Close()
	}
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				attrs[AttrInstallID] = id
				break
			}
		}
	}
	return attrs, ctx.Err()
}

func cpuModel() string {
	switch runtime.GOOS {
	case "windows":
		return os.Getenv("PROCESSOR_IDENTIFIER")
	case "linux":
		f, err := os.Open("/proc/cpuinfo")
		if err != nil {
			return ""
		}
		defer f.Close()
		return ParseCPUModel(f)
	default:
		return ""
	}
}

// ParseCPUModel returns the first "model name" value of a /proc/cpuinfo listing
func ParseCPUModel(r io.Reader) string {
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if ok && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// ParseMemTotal returns the MemTotal value (in kB) of a /proc/meminfo listing
func ParseMemTotal(r io.Reader) string {
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if ok && key == "MemTotal" {
			fields := strings.Fields(value)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface by name, so adapter enumeration order does not matter.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return ""
}
