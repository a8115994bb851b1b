// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package config

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/ini.v1"
)

// OptionsMapToINIData generates a config []byte data from settings. Keys are
// written in sorted order.
func OptionsMapToINIData(options map[string]string) []byte {
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var buffer bytes.Buffer
	for _, key := range keys {
		buffer.WriteString(fmt.Sprintf("%s=%s\n", key, options[key]))
	}
	return buffer.Bytes()
}

// Options returns a collection of all key-value options in provided config
// file path or []byte data.
func Options(cfgPathOrData any) (map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	return options(cfgFile), nil
}

func options(cfgFile *ini.File) map[string]string {
	options := make(map[string]string)
	for _, section := range cfgFile.Sections() {
		for _, key := range section.Keys() {
			options[key.Name()] = key.String()
		}
	}
	return options
}

// Parse parses config options from the provided config file path or []byte
// data into the specified struct object.
// If the config has section headers, the config options are first read into
// a map, then converted to []byte before being parsed. Otherwise the struct
// object would not be modified with any data from the config file.
func Parse(cfgPathOrData, obj any) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}

	cfgSections := cfgFile.Sections()
	if len(cfgSections) > 1 || cfgSections[0].Name() != ini.DefaultSection {
		// config file or data has non-default section headers, remove sections
		// by extracting all config options and regenerating the config data.
		cfgOptions := options(cfgFile)
		cfgPathOrData = OptionsMapToINIData(cfgOptions)
		return Parse(cfgPathOrData, obj)
	}

	return cfgFile.MapTo(obj)
}

// Unmapify parses a settings map into the struct object using the struct's ini
// tags. Wallet settings are stored as map[string]string.
func Unmapify(settings map[string]string, obj any) error {
	return Parse(OptionsMapToINIData(settings), obj)
}

// Mapify reflects the struct object into a settings map using its ini tags.
func Mapify(obj any) (map[string]string, error) {
	cfg := ini.Empty()
	if err := cfg.ReflectFrom(obj); err != nil {
		return nil, err
	}
	return options(cfg), nil
}
