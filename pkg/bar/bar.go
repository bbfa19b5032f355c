// Package bar maps a PCI BAR resource file from sysfs and probes it.
// One Mapper call performs a single resolve-open-map-read-unmap-close cycle;
// every path that opened the resource file releases it before returning.
package bar

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/barprobe/pkg/types"
)

// PayloadWriter places a known pattern in device memory before the BAR is
// mapped, e.g. by allocating and filling a buffer through an accelerator
// runtime. The returned pattern is searched for in the mapped region.
type PayloadWriter interface {
	WritePayload() ([]byte, error)
}

// LiteralPayload is a PayloadWriter for patterns seeded out of band. It
// performs no writes and only returns itself.
type LiteralPayload []byte

// WritePayload returns the literal pattern.
func (p LiteralPayload) WritePayload() ([]byte, error) {
	if len(p) == 0 {
		return nil, errors.New("empty payload pattern")
	}
	return []byte(p), nil
}

// Options configures optional Mapper behaviour.
type Options struct {
	// Payload, when set, is written before the device scan and searched for in
	// the whole mapped region afterwards. The search does not depend on the
	// probe offset: a window past the end of the region is skipped with a
	// warning and the result carries no Data.
	Payload PayloadWriter
}

// Mapper resolves devices and probes their BARs.
type Mapper struct {
	resolver types.Resolver
	opts     Options
}

// NewMapper returns a Mapper that resolves devices through resolver.
func NewMapper(resolver types.Resolver, opts Options) *Mapper {
	return &Mapper{resolver: resolver, opts: opts}
}

// Probe writes the payload, if any, then resolves target and maps its BAR,
// reading the probe window at offsetMB.
func (m *Mapper) Probe(target types.Target, offsetMB uint64) (*types.ProbeResult, error) {
	pattern, err := m.writePayload()
	if err != nil {
		return nil, err
	}
	locator, err := m.resolver.Resolve(target.Vendor, target.Device, target.Function)
	if err != nil {
		return nil, &types.OpError{Op: "resolve", Err: err}
	}
	return m.probe(locator, target.BAR, offsetMB, pattern)
}

// MapAndProbe maps resource<barNum> of locator and reads types.ProbeWindow
// bytes at offsetMB megabytes. The mapping and descriptor are released on
// every return path once the file has been opened.
func (m *Mapper) MapAndProbe(locator string, barNum int, offsetMB uint64) (*types.ProbeResult, error) {
	if locator == "" {
		return nil, &types.OpError{Op: "resolve", Err: types.ErrDeviceNotFound}
	}
	pattern, err := m.writePayload()
	if err != nil {
		return nil, err
	}
	return m.probe(locator, barNum, offsetMB, pattern)
}

// writePayload runs the configured PayloadWriter. It returns nil without one.
func (m *Mapper) writePayload() ([]byte, error) {
	if m.opts.Payload == nil {
		return nil, nil
	}
	pattern, err := m.opts.Payload.WritePayload()
	if err != nil {
		return nil, &types.OpError{Op: "payload", Err: err}
	}
	log.Debugf("payload of %d bytes written", len(pattern))
	return pattern, nil
}

func (m *Mapper) probe(locator string, barNum int, offsetMB uint64, pattern []byte) (result *types.ProbeResult, err error) {
	if locator == "" {
		return nil, &types.OpError{Op: "resolve", Err: types.ErrDeviceNotFound}
	}

	region, err := Map(m.resolver.ResourcePath(locator, barNum))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := region.Close(); cerr != nil {
			log.WithField("path", region.Path()).Errorf("release failed: %v", cerr)
			if err == nil {
				err = &types.OpError{Op: "release", Err: cerr}
				result = nil
			}
		}
	}()
	log.Infof("mapped %s (%d MB)", region.Path(), region.Size()/types.MiB)

	result = &types.ProbeResult{
		Locator:       locator,
		ResourcePath:  region.Path(),
		Size:          region.Size(),
		OffsetMB:      offsetMB,
		PatternOffset: -1,
	}

	if pattern != nil {
		result.Pattern = pattern
		result.PatternOffset = region.Find(pattern)
		if result.PatternOffset < 0 {
			log.Warnf("pattern %q not found in %s", pattern, region.Path())
		}
	}

	data, err := region.ReadWindow(offsetMB)
	switch {
	case err == nil:
		result.Data = data
	case pattern != nil && errors.Is(err, types.ErrBoundsViolation):
		log.Warnf("skipping window read: %v", err)
	default:
		return nil, &types.OpError{Op: "probe", Err: err}
	}

	return result, nil
}

// Describe renders an error the way the CLI reports it: operation and reason.
func Describe(err error) (op, reason string) {
	var opErr *types.OpError
	if errors.As(err, &opErr) {
		return opErr.Op, opErr.Err.Error()
	}
	return "barprobe", fmt.Sprint(err)
}
