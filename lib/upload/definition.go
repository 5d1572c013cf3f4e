// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition describes a spooler backend. The textual form is a
// comma-separated triple:
//
//	local,<temp directory>,<backend root directory>
//	s3,<temp directory>,<s3 config file>
//
// The temp directory must be on the same filesystem as the files
// handed to Upload, so drivers can stage and rename without copying.
type Definition struct {
	// Backend names the driver, "local" or "s3".
	Backend string

	// TempDir is the staging area for streamed uploads and for temp
	// files created through Spooler.CreateTempFile.
	TempDir string

	// LocalRoot is the backend root directory. Local backend only.
	LocalRoot string

	// S3ConfigPath points at the YAML file with bucket and credential
	// settings. S3 backend only.
	S3ConfigPath string
}

// ParseDefinition parses the textual spooler definition.
func ParseDefinition(s string) (Definition, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 {
		return Definition{}, fmt.Errorf("upload: malformed spooler definition %q", s)
	}
	def := Definition{Backend: parts[0], TempDir: parts[1]}
	switch def.Backend {
	case "local":
		def.LocalRoot = parts[2]
	case "s3":
		def.S3ConfigPath = parts[2]
	default:
		return Definition{}, fmt.Errorf("upload: unknown spooler backend %q", def.Backend)
	}
	if def.TempDir == "" {
		return Definition{}, fmt.Errorf("upload: spooler definition %q has empty temp directory", s)
	}
	if parts[2] == "" {
		return Definition{}, fmt.Errorf("upload: spooler definition %q has empty backend argument", s)
	}
	return def, nil
}

// String renders the definition back into its textual form.
func (d Definition) String() string {
	switch d.Backend {
	case "local":
		return "local," + d.TempDir + "," + d.LocalRoot
	case "s3":
		return "s3," + d.TempDir + "," + d.S3ConfigPath
	}
	return d.Backend + "," + d.TempDir + ","
}

// S3Config holds the settings for an S3 compatible backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoadS3Config reads and validates an S3 backend config file.
func LoadS3Config(path string) (S3Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return S3Config{}, fmt.Errorf("upload: reading s3 config: %w", err)
	}
	var cfg S3Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return S3Config{}, fmt.Errorf("upload: parsing s3 config %s: %w", path, err)
	}
	if cfg.Bucket == "" {
		return S3Config{}, fmt.Errorf("upload: s3 config %s has no bucket", path)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}
