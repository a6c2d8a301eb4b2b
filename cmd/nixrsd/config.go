// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// fileConfig is the shape of the optional daemon config file, written
// in the human-friendly JSON-with-comments ("hujson") dialect. For
// "nixrsd serve", an explicitly given --store-dir overrides storeDir
// and a non-empty --listen overrides listen; trustedUsers are added to
// the --trusted-user values rather than replaced by them.
type fileConfig struct {
	StoreDir     string `json:"storeDir"`
	Listen       string `json:"listen"`
	TrustedUsers []int  `json:"trustedUsers"`
}

// loadFileConfig reads and parses the config file at path, returning a
// zero fileConfig (not an error) if the file does not exist.
func loadFileConfig(path string) (fileConfig, error) {
	if path == "" {
		return fileConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileConfig{}, nil
		}
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(std, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
