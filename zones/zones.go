// Package zones resolves zone selectors into bit masks and fans zone-targeted
// commands out to the devices that execute them.
package zones

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/songzhibin97/sequence-engine/types"
)

// Count is the number of addressable zones. Zones are numbered 1..Count.
const Count = 4

// Parameter keys used on multizone commands.
const (
	ParamZones = "zones"
	ParamMask  = "zone_mask"
	ParamZone  = "zone"
)

var (
	// ErrEmptySelection indicates a selector that names no zone.
	ErrEmptySelection = errors.New("no zone selected")
	// ErrZoneRange indicates a zone outside 1..Count.
	ErrZoneRange = errors.New("zone out of range")
	// ErrDuplicateZone indicates a zone named twice.
	ErrDuplicateZone = errors.New("duplicate zone")
)

// Mask is a 4-bit zone selection. Bit i set means zone i+1 is active.
type Mask uint8

// Bit returns the mask bit for zone.
func Bit(zone int) Mask {
	return Mask(1) << (zone - 1)
}

// FromZones validates zones and encodes them.
func FromZones(zones []int) (Mask, error) {
	if len(zones) == 0 {
		return 0, ErrEmptySelection
	}
	var m Mask
	for _, z := range zones {
		if z < 1 || z > Count {
			return 0, fmt.Errorf("%w: %d (valid 1-%d)", ErrZoneRange, z, Count)
		}
		if m&Bit(z) != 0 {
			return 0, fmt.Errorf("%w: %d", ErrDuplicateZone, z)
		}
		m |= Bit(z)
	}
	return m, nil
}

// Has reports whether zone is active in m.
func (m Mask) Has(zone int) bool {
	return zone >= 1 && zone <= Count && m&Bit(zone) != 0
}

// Zones lists the active zones in ascending order.
func (m Mask) Zones() []int {
	var out []int
	for z := 1; z <= Count; z++ {
		if m.Has(z) {
			out = append(out, z)
		}
	}
	return out
}

// String renders the mask as a bit string, zone 4 first, e.g. "0101".
func (m Mask) String() string {
	return fmt.Sprintf("%0*b", Count, uint8(m)&(1<<Count-1))
}

// Resolve parses a selector expression. Accepted forms are "all", a comma
// separated list ("1,3"), ranges ("2-4") and mixes of both.
func Resolve(selector string) (Mask, error) {
	s := strings.TrimSpace(strings.ToLower(selector))
	if s == "" {
		return 0, ErrEmptySelection
	}
	if s == "all" {
		return FromZones([]int{1, 2, 3, 4})
	}

	var zones []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0, fmt.Errorf("selector %q: empty element", selector)
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			z, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("selector %q: %q is not a zone number", selector, part)
			}
			zones = append(zones, z)
			continue
		}
		from, err1 := strconv.Atoi(strings.TrimSpace(lo))
		to, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || from > to {
			return 0, fmt.Errorf("selector %q: bad range %q", selector, part)
		}
		if from < 1 || to > Count {
			return 0, fmt.Errorf("selector %q: %w: range %q", selector, ErrZoneRange, part)
		}
		for z := from; z <= to; z++ {
			zones = append(zones, z)
		}
	}
	m, err := FromZones(zones)
	if err != nil {
		return 0, fmt.Errorf("selector %q: %w", selector, err)
	}
	return m, nil
}

// ResolveValue resolves a selector taken from a command's parameters: a
// string selector, a single integer or a list of integers.
func ResolveValue(v interface{}) (Mask, error) {
	switch s := v.(type) {
	case string:
		return Resolve(s)
	case int:
		return FromZones([]int{s})
	case int64:
		return FromZones([]int{int(s)})
	case []int:
		return FromZones(s)
	case []interface{}:
		zones := make([]int, 0, len(s))
		for _, item := range s {
			switch n := item.(type) {
			case int:
				zones = append(zones, n)
			case int64:
				zones = append(zones, int(n))
			default:
				return 0, fmt.Errorf("zone list element %v is not an integer", item)
			}
		}
		return FromZones(zones)
	case nil:
		return 0, ErrEmptySelection
	}
	return 0, fmt.Errorf("unsupported zone selector %T", v)
}

// Capabilities tells whether a device takes a zone mask argument directly.
type Capabilities interface {
	AcceptsZoneMask(device string) bool
}

// Expand turns one zone-targeted command into the physical commands to send.
// A mask-capable device gets a single command carrying the mask; any other
// device gets one command per active zone in ascending zone order.
func Expand(cmd types.Command, mask Mask, caps Capabilities) []types.Command {
	zs := mask.Zones()
	if len(zs) == 0 {
		return nil
	}
	if caps != nil && caps.AcceptsZoneMask(cmd.Device) {
		out := cmd.Clone()
		if out.Parameters == nil {
			out.Parameters = make(map[string]interface{})
		}
		delete(out.Parameters, ParamZones)
		out.Parameters[ParamMask] = int(mask)
		out.Text = strings.TrimSpace(baseText(cmd) + " multizone " + mask.String())
		return []types.Command{out}
	}

	out := make([]types.Command, 0, len(zs))
	for _, z := range zs {
		c := cmd.Clone()
		if c.Parameters == nil {
			c.Parameters = make(map[string]interface{})
		}
		delete(c.Parameters, ParamZones)
		c.Parameters[ParamZone] = z
		c.Zone = z
		c.Text = strings.TrimSpace(baseText(cmd) + " zone " + strconv.Itoa(z))
		out = append(out, c)
	}
	return out
}

func baseText(cmd types.Command) string {
	if cmd.Text != "" {
		return cmd.Text
	}
	return cmd.Name
}

// Sorted returns zones sorted and de-duplicated.
func Sorted(zs []int) []int {
	if len(zs) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(zs))
	out := make([]int, 0, len(zs))
	for _, z := range zs {
		if !seen[z] {
			seen[z] = true
			out = append(out, z)
		}
	}
	sort.Ints(out)
	return out
}
