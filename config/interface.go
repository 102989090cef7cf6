package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strings"

	"tuntap/codec"
)

const (
	DefaultMTU     = 1500
	MinMTU         = 50
	// MaxMTU is ETH_MAX_MTU, the largest MTU the kernel accepts for tun/tap.
	MaxMTU = 65535
	DefaultPersist = true
	DefaultUp      = true
	DefaultRunning = true

	// MaxNameLen is IFNAMSIZ minus the terminating NUL.
	MaxNameLen = 15
)

var ErrInvalidArgument = errors.New("invalid argument")

// Mode is the kind of virtual interface.
type Mode uint8

const (
	ModeTUN Mode = iota
	ModeTAP
)

func ParseMode(input string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "tun":
		return ModeTUN, nil
	case "tap":
		return ModeTAP, nil
	default:
		return ModeTUN, fmt.Errorf("%w: unsupported interface type %q", ErrInvalidArgument, input)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeTUN:
		return "tun"
	case ModeTAP:
		return "tap"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Interface holds every parameter of a TUN/TAP interface.
type Interface struct {
	Mode    Mode       `json:"type" yaml:"type" toml:"type"`
	Name    string     `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Addr    string     `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	Mask    string     `json:"mask,omitempty" yaml:"mask,omitempty" toml:"mask,omitempty"`
	Dest    string     `json:"dest,omitempty" yaml:"dest,omitempty" toml:"dest,omitempty"`
	MTU     int        `json:"mtu" yaml:"mtu" toml:"mtu"`
	Persist bool       `json:"persist" yaml:"persist" toml:"persist"`
	Up      bool       `json:"up" yaml:"up" toml:"up"`
	Running bool       `json:"running" yaml:"running" toml:"running"`
	Codec   codec.Mode `json:"ethtype_comp" yaml:"ethtype_comp" toml:"ethtype_comp"`
}

// Default returns the documented defaults.
func Default() Interface {
	return Interface{
		Mode:    ModeTUN,
		MTU:     DefaultMTU,
		Persist: DefaultPersist,
		Up:      DefaultUp,
		Running: DefaultRunning,
		Codec:   codec.ModeNone,
	}
}

// SetMTU stores mtu, raising anything at or below MinMTU to MinMTU.
func (c *Interface) SetMTU(mtu int) {
	if mtu <= MinMTU {
		mtu = MinMTU
	}
	c.MTU = mtu
}

// SetName stores name truncated to MaxNameLen bytes.
func (c *Interface) SetName(name string) {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	c.Name = name
}

// Normalise re-establishes the invariants after a bulk decode.
func (c *Interface) Normalise() {
	c.SetMTU(c.MTU)
	c.SetName(c.Name)
}

// Validate checks that the addresses parse as IPv4 and the MTU fits the
// kernel's limit.
func (c *Interface) Validate() error {
	if c.MTU > MaxMTU {
		return fmt.Errorf("%w: mtu %d exceeds %d", ErrInvalidArgument, c.MTU, MaxMTU)
	}
	for _, f := range []struct {
		field Field
		value string
	}{{FieldAddr, c.Addr}, {FieldMask, c.Mask}, {FieldDest, c.Dest}} {
		if f.value == "" {
			continue
		}
		if _, err := ParseIPv4(f.value); err != nil {
			return fmt.Errorf("%s: %w", f.field, err)
		}
	}
	switch c.Mode {
	case ModeTUN, ModeTAP:
	default:
		return fmt.Errorf("%w: unsupported interface type %d", ErrInvalidArgument, uint8(c.Mode))
	}
	switch c.Codec {
	case codec.ModeNone, codec.ModeHalf, codec.ModeFull:
	default:
		return fmt.Errorf("%w: unsupported ethtype_comp %d", ErrInvalidArgument, uint8(c.Codec))
	}
	return nil
}

// BufferSize is the read buffer length a handle needs for this MTU.
func (c Interface) BufferSize() int {
	return c.MTU + 4
}

// ParseIPv4 parses a dotted-quad address.
func ParseIPv4(value string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidArgument, value)
	}
	return addr, nil
}

// Field names one configurable setting.
type Field uint8

const (
	FieldType Field = iota
	FieldName
	FieldAddr
	FieldMask
	FieldDest
	FieldMTU
	FieldPersist
	FieldUp
	FieldRunning
	FieldCodec
)

var fieldNames = [...]string{
	FieldType:    "type",
	FieldName:    "name",
	FieldAddr:    "addr",
	FieldMask:    "mask",
	FieldDest:    "dest",
	FieldMTU:     "mtu",
	FieldPersist: "persist",
	FieldUp:      "up",
	FieldRunning: "running",
	FieldCodec:   "ethtype_comp",
}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Immutable reports whether the field is fixed once the interface exists.
func (f Field) Immutable() bool {
	return f == FieldType || f == FieldName
}

func ParseField(name string) (Field, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for i, n := range fieldNames {
		if n == key {
			return Field(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field %q", ErrInvalidArgument, name)
}

// ParseFields maps names to fields, keeping their order.
func ParseFields(names []string) ([]Field, error) {
	out := make([]Field, 0, len(names))
	for _, name := range names {
		f, err := ParseField(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Patch is a partial configuration: only the listed fields carry meaning.
type Patch struct {
	fields []Field
	Values Interface
}

// Fields returns the fields present, in ascending Field order.
func (p Patch) Fields() []Field {
	return append([]Field(nil), p.fields...)
}

func (p Patch) Has(f Field) bool {
	for _, have := range p.fields {
		if have == f {
			return true
		}
	}
	return false
}

func (p Patch) Empty() bool {
	return len(p.fields) == 0
}

func (p *Patch) mark(f Field) {
	if p.Has(f) {
		return
	}
	p.fields = append(p.fields, f)
	sort.Slice(p.fields, func(i, j int) bool { return p.fields[i] < p.fields[j] })
}

func (p *Patch) SetMode(m Mode) *Patch {
	p.Values.Mode = m
	p.mark(FieldType)
	return p
}

func (p *Patch) SetName(name string) *Patch {
	p.Values.SetName(name)
	p.mark(FieldName)
	return p
}

func (p *Patch) SetAddr(addr string) *Patch {
	p.Values.Addr = addr
	p.mark(FieldAddr)
	return p
}

func (p *Patch) SetMask(mask string) *Patch {
	p.Values.Mask = mask
	p.mark(FieldMask)
	return p
}

func (p *Patch) SetDest(dest string) *Patch {
	p.Values.Dest = dest
	p.mark(FieldDest)
	return p
}

func (p *Patch) SetMTU(mtu int) *Patch {
	p.Values.SetMTU(mtu)
	p.mark(FieldMTU)
	return p
}

func (p *Patch) SetPersist(v bool) *Patch {
	p.Values.Persist = v
	p.mark(FieldPersist)
	return p
}

func (p *Patch) SetUp(v bool) *Patch {
	p.Values.Up = v
	p.mark(FieldUp)
	return p
}

func (p *Patch) SetRunning(v bool) *Patch {
	p.Values.Running = v
	p.mark(FieldRunning)
	return p
}

func (p *Patch) SetCodec(m codec.Mode) *Patch {
	p.Values.Codec = m
	p.mark(FieldCodec)
	return p
}

// CheckMutable fails when the patch touches a field that cannot change on an
// existing interface.
func (p Patch) CheckMutable() error {
	for _, f := range p.fields {
		if f.Immutable() {
			return fmt.Errorf("%w: %s cannot be changed after creation", ErrInvalidArgument, f)
		}
	}
	return nil
}

// SplitMutable returns the patch without its immutable fields, plus the
// fields that were dropped.
func (p Patch) SplitMutable() (Patch, []Field) {
	out := Patch{Values: p.Values}
	var dropped []Field
	for _, f := range p.fields {
		if f.Immutable() {
			dropped = append(dropped, f)
			continue
		}
		out.fields = append(out.fields, f)
	}
	return out, dropped
}

// Diff builds the patch that turns c into next.
func (c Interface) Diff(next Interface) Patch {
	var p Patch
	if c.Mode != next.Mode {
		p.SetMode(next.Mode)
	}
	if c.Name != next.Name {
		p.SetName(next.Name)
	}
	if c.Addr != next.Addr {
		p.SetAddr(next.Addr)
	}
	if c.Mask != next.Mask {
		p.SetMask(next.Mask)
	}
	if c.Dest != next.Dest {
		p.SetDest(next.Dest)
	}
	if c.MTU != next.MTU {
		p.SetMTU(next.MTU)
	}
	if c.Persist != next.Persist {
		p.SetPersist(next.Persist)
	}
	if c.Up != next.Up {
		p.SetUp(next.Up)
	}
	if c.Running != next.Running {
		p.SetRunning(next.Running)
	}
	if c.Codec != next.Codec {
		p.SetCodec(next.Codec)
	}
	return p
}

// Apply copies the patched fields into c.
func (c *Interface) Apply(p Patch) {
	for _, f := range p.fields {
		switch f {
		case FieldType:
			c.Mode = p.Values.Mode
		case FieldName:
			c.SetName(p.Values.Name)
		case FieldAddr:
			c.Addr = p.Values.Addr
		case FieldMask:
			c.Mask = p.Values.Mask
		case FieldDest:
			c.Dest = p.Values.Dest
		case FieldMTU:
			c.SetMTU(p.Values.MTU)
		case FieldPersist:
			c.Persist = p.Values.Persist
		case FieldUp:
			c.Up = p.Values.Up
		case FieldRunning:
			c.Running = p.Values.Running
		case FieldCodec:
			c.Codec = p.Values.Codec
		}
	}
}

// Reset restores the listed fields to their defaults and returns the patch
// describing the new values.
func (c *Interface) Reset(fields ...Field) (Patch, error) {
	def := Default()
	var p Patch
	for _, f := range fields {
		switch f {
		case FieldType, FieldName:
			return Patch{}, fmt.Errorf("%w: %s cannot be unset", ErrInvalidArgument, f)
		case FieldAddr:
			p.SetAddr("")
		case FieldMask:
			p.SetMask("")
		case FieldDest:
			p.SetDest("")
		case FieldMTU:
			p.SetMTU(def.MTU)
		case FieldPersist:
			p.SetPersist(def.Persist)
		case FieldUp:
			p.SetUp(def.Up)
		case FieldRunning:
			p.SetRunning(def.Running)
		case FieldCodec:
			p.SetCodec(def.Codec)
		default:
			return Patch{}, fmt.Errorf("%w: unknown field %d", ErrInvalidArgument, uint8(f))
		}
	}
	c.Apply(p)
	return p, nil
}

// ParsePatch builds a patch from loosely typed key/value input such as a
// decoded JSON or YAML object.
func ParsePatch(raw map[string]interface{}) (Patch, error) {
	var p Patch
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		field, err := ParseField(key)
		if err != nil {
			return Patch{}, err
		}
		value := raw[key]
		switch field {
		case FieldType:
			s, err := asString(field, value)
			if err != nil {
				return Patch{}, err
			}
			mode, err := ParseMode(s)
			if err != nil {
				return Patch{}, err
			}
			p.SetMode(mode)
		case FieldName:
			s, err := asString(field, value)
			if err != nil {
				return Patch{}, err
			}
			p.SetName(s)
		case FieldAddr, FieldMask, FieldDest:
			s, err := asString(field, value)
			if err != nil {
				return Patch{}, err
			}
			if s != "" {
				if _, err := ParseIPv4(s); err != nil {
					return Patch{}, fmt.Errorf("%s: %w", field, err)
				}
			}
			switch field {
			case FieldAddr:
				p.SetAddr(s)
			case FieldMask:
				p.SetMask(s)
			default:
				p.SetDest(s)
			}
		case FieldMTU:
			n, err := asInt(field, value)
			if err != nil {
				return Patch{}, err
			}
			if n > MaxMTU {
				return Patch{}, fmt.Errorf("%w: mtu %d exceeds %d", ErrInvalidArgument, n, MaxMTU)
			}
			p.SetMTU(n)
		case FieldPersist, FieldUp, FieldRunning:
			b, ok := value.(bool)
			if !ok {
				return Patch{}, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidArgument, field, value)
			}
			switch field {
			case FieldPersist:
				p.SetPersist(b)
			case FieldUp:
				p.SetUp(b)
			default:
				p.SetRunning(b)
			}
		case FieldCodec:
			s, err := asString(field, value)
			if err != nil {
				return Patch{}, err
			}
			mode, err := codec.ParseMode(s)
			if err != nil {
				return Patch{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			p.SetCodec(mode)
		}
	}
	return p, nil
}

func asString(field Field, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, field, value)
	}
	return s, nil
}

func asInt(field Field, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		if v > math.MaxInt32 || v < math.MinInt32 {
			return 0, fmt.Errorf("%w: %s out of range", ErrInvalidArgument, field)
		}
		return int(v), nil
	case uint64:
		if v > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %s out of range", ErrInvalidArgument, field)
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, field)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidArgument, field, value)
	}
}
