package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// GetByPath returns the value at a dotted config key such as
// "delivery.maxBlockChars". A section key returns the whole section.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the leaf at path and applies it only when the
// resulting config still validates. Unknown keys are rejected.
func SetByPath(cfg *Config, path string, raw string) error {
	next := *cfg
	v, err := lookup(reflect.ValueOf(&next).Elem(), path)
	if err != nil {
		return err
	}
	if v.Kind() == reflect.Struct {
		return fmt.Errorf("%s is a section; set one of its keys", path)
	}
	if err := assign(v, raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

func lookup(v reflect.Value, path string) (reflect.Value, error) {
	if path == "" {
		return reflect.Value{}, fmt.Errorf("empty config key")
	}
	parts := strings.Split(path, ".")
	for i, key := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%s has no key %q", strings.Join(parts[:i], "."), key)
		}
		f, ok := fieldByKey(v, key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown config key %q", strings.Join(parts[:i+1], "."))
		}
		v = f
	}
	return v, nil
}

// fieldByKey matches key against the json names of v's fields.
func fieldByKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// assign parses raw according to the kind of v. Lists are comma-separated.
func assign(v reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("want true or false, got %q", raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("want an integer, got %q", raw)
		}
		v.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("want a number, got %q", raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", v.Type())
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		list := reflect.MakeSlice(v.Type(), len(items), len(items))
		for i, item := range items {
			list.Index(i).SetString(item)
		}
		v.Set(list)
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg // Return original on marshal error
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for _, secret := range []*string{
		&copy.Assistant.APIKey,
		&copy.Channels.WhatsApp.AccessToken,
		&copy.Channels.WhatsApp.AppSecret,
		&copy.Channels.WhatsApp.VerifyToken,
		&copy.Channels.Gateway.APIKey,
		&copy.Channels.Gateway.Secret,
		&copy.Channels.Telegram.Token,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	if copy.Storage.DSN != "" {
		copy.Storage.DSN = "***"
	}

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable key with its current value.
func ListPaths(cfg *Config) map[string]any {
	result := make(map[string]any)
	collect("", reflect.ValueOf(cfg).Elem(), result)
	return result
}

func collect(prefix string, v reflect.Value, result map[string]any) {
	t := v.Type()
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f := v.Field(i); f.Kind() == reflect.Struct {
			collect(name, f, result)
		} else {
			result[name] = f.Interface()
		}
	}
}
