package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseURL parses the compact interface form used on the command line:
//
//	tap://tap-test0?mtu=1400&addr=10.0.0.1&mask=255.255.255.0&ethtype_comp=half
//
// The scheme is the interface type and the host the (optional) name. Query
// keys are the configuration field names; missing keys keep their defaults.
func ParseURL(rawURL string) (Interface, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Interface{}, fmt.Errorf("%w: failed to parse URL: %v", ErrInvalidArgument, err)
	}
	mode, err := ParseMode(u.Scheme)
	if err != nil {
		return Interface{}, err
	}

	raw := make(map[string]interface{})
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[len(values)-1]
		field, err := ParseField(key)
		if err != nil {
			return Interface{}, err
		}
		switch field {
		case FieldType, FieldName:
			return Interface{}, fmt.Errorf("%w: %s belongs in the scheme/host, not the query", ErrInvalidArgument, field)
		case FieldMTU:
			n, err := strconv.Atoi(value)
			if err != nil {
				return Interface{}, fmt.Errorf("%w: mtu %q is not an integer", ErrInvalidArgument, value)
			}
			raw[key] = n
		case FieldPersist, FieldUp, FieldRunning:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return Interface{}, fmt.Errorf("%w: %s %q is not a boolean", ErrInvalidArgument, field, value)
			}
			raw[key] = b
		default:
			raw[key] = value
		}
	}
	patch, err := ParsePatch(raw)
	if err != nil {
		return Interface{}, err
	}

	cfg := Default()
	cfg.Mode = mode
	cfg.SetName(u.Host)
	cfg.Apply(patch)
	return cfg, nil
}

// EncodeURL renders cfg in the ParseURL form, omitting default values.
func EncodeURL(cfg Interface) string {
	u := &url.URL{
		Scheme: cfg.Mode.String(),
		Host:   cfg.Name,
	}
	def := Default()
	query := url.Values{}
	if cfg.Addr != "" {
		query.Set(FieldAddr.String(), cfg.Addr)
	}
	if cfg.Mask != "" {
		query.Set(FieldMask.String(), cfg.Mask)
	}
	if cfg.Dest != "" {
		query.Set(FieldDest.String(), cfg.Dest)
	}
	if cfg.MTU != def.MTU {
		query.Set(FieldMTU.String(), strconv.Itoa(cfg.MTU))
	}
	if cfg.Persist != def.Persist {
		query.Set(FieldPersist.String(), strconv.FormatBool(cfg.Persist))
	}
	if cfg.Up != def.Up {
		query.Set(FieldUp.String(), strconv.FormatBool(cfg.Up))
	}
	if cfg.Running != def.Running {
		query.Set(FieldRunning.String(), strconv.FormatBool(cfg.Running))
	}
	if cfg.Codec != def.Codec {
		query.Set(FieldCodec.String(), cfg.Codec.String())
	}
	u.RawQuery = query.Encode()
	return u.String()
}
