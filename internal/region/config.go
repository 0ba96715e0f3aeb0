// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package region

import (
	"maps"

	"github.com/samber/oops"
)

// Service names used as keys of the network domain table.
const (
	ServiceGame      = "gs"
	ServiceAccount   = "as"
	ServiceU8        = "u8"
	ServiceHotUpdate = "hu"
	ServiceVersion   = "hv"
)

// Config is the dynamic metadata of one region.
type Config struct {
	ResourceVersion string            `yaml:"resource_version"`
	ClientVersion   string            `yaml:"client_version"`
	NetworkDomains  map[string]string `yaml:"network_domains"`
}

// Domain returns the base URL of service.
func (c Config) Domain(service string) (string, bool) {
	url, ok := c.NetworkDomains[service]
	return url, ok && url != ""
}

// Validate reports whether c is complete enough to drive a login.
func (c Config) Validate() error {
	if c.ResourceVersion == "" {
		return oops.Code(CodeConfigMalformed).Wrapf(ErrConfigMalformed, "resource version is empty")
	}
	if c.ClientVersion == "" {
		return oops.Code(CodeConfigMalformed).Wrapf(ErrConfigMalformed, "client version is empty")
	}
	if len(c.NetworkDomains) == 0 {
		return oops.Code(CodeConfigMalformed).Wrapf(ErrConfigMalformed, "network domain table is empty")
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (c Config) Clone() Config {
	c.NetworkDomains = maps.Clone(c.NetworkDomains)
	return c
}
