package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
)

// HeadsetVendors maps USB vendor IDs of headset makers to the label
// fragment their wireless dongles enumerate under.
var HeadsetVendors = map[gousb.ID]string{
	0x0B0E: "Jabra",
	0x047F: "Poly",
	0x1395: "EPOS",
	0x05A7: "Bose",
	0x054C: "Sony",
	0x1532: "Razer",
	0x0951: "HyperX",
}

// USBProbe reports the vendors of attached headset dongles.
// It implements audio.HintSource.
type USBProbe struct {
	logger  *slog.Logger
	vendors map[gousb.ID]string

	mu        sync.Mutex
	cached    []string
	cachedAt  time.Time
	cacheTTL  time.Duration
	lastError error
}

// NewUSBProbe creates a probe over the given vendor table.
// A nil table uses HeadsetVendors.
func NewUSBProbe(vendors map[gousb.ID]string, logger *slog.Logger) *USBProbe {
	if logger == nil {
		logger = slog.Default()
	}
	if vendors == nil {
		vendors = HeadsetVendors
	}
	return &USBProbe{
		logger:   logger,
		vendors:  vendors,
		cacheTTL: 5 * time.Second,
	}
}

// Hints scans the bus and returns the matching vendor names, sorted.
// Results are cached briefly since a bus scan costs a few milliseconds
// per device.
func (p *USBProbe) Hints(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.cachedAt) < p.cacheTTL {
		return p.cached, nil
	}

	hints, err := p.scan()
	if err != nil {
		p.lastError = err
		return nil, err
	}

	p.cached = hints
	p.cachedAt = time.Now()
	p.lastError = nil
	return hints, nil
}

func (p *USBProbe) scan() ([]string, error) {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	seen := make(map[string]bool)
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if name, ok := p.vendors[desc.Vendor]; ok {
			if !seen[name] {
				p.logger.Debug("headset dongle on bus",
					"vendor", name,
					"vendor_id", fmt.Sprintf("0x%04X", uint16(desc.Vendor)),
					"product_id", fmt.Sprintf("0x%04X", uint16(desc.Product)),
				)
			}
			seen[name] = true
		}
		// Descriptors are enough; never open the device.
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil && len(seen) == 0 {
		return nil, fmt.Errorf("scan usb bus: %w", err)
	}

	hints := make([]string, 0, len(seen))
	for name := range seen {
		hints = append(hints, name)
	}
	sort.Strings(hints)
	return hints, nil
}

// LastError returns the most recent scan failure, if any
func (p *USBProbe) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}
