// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package region models the game's server deployments.
//
// Each region has static routing tables compiled into the binary (network
// version, channel id, identity provider and network-config endpoints) and
// dynamic metadata fetched from the backend (resource/client versions and
// the service domain table). The dynamic part is cached by Store.
//
// Static tables are keyed by Code and checked for completeness at package
// initialization, so adding a region without filling every table fails at
// startup rather than producing an empty lookup at runtime.
package region

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code identifies a server deployment.
type Code string

// Known regions.
const (
	EN   Code = "en"
	JP   Code = "jp"
	KR   Code = "kr"
	CN   Code = "cn"
	Bili Code = "bili"
	TW   Code = "tw"
)

// Default is used when a caller does not name a region.
const Default = EN

// Unsupported is the sentinel value of table entries for regions the client
// cannot drive. It is passed through verbatim wherever the backend expects it.
const Unsupported = "ERROR"

// All lists every region in a stable order.
var All = []Code{EN, JP, KR, CN, Bili, TW}

var networkVersions = map[Code]string{
	CN:   "5",
	Bili: "5",
	EN:   "1",
	JP:   "1",
	KR:   "1",
	TW:   Unsupported,
}

var channelIDs = map[Code]string{
	CN:   "1",
	Bili: "2",
	EN:   "3",
	JP:   "3",
	KR:   "3",
	TW:   Unsupported,
}

var passportURLs = map[Code]string{
	EN:   "https://passport.arknights.global",
	JP:   "https://passport.arknights.jp",
	KR:   "https://passport.arknights.kr",
	CN:   Unsupported,
	Bili: Unsupported,
	TW:   Unsupported,
}

var networkConfigURLs = map[Code]string{
	EN:   "https://ak-conf.arknights.global/config/prod/official/network_config",
	JP:   "https://ak-conf.arknights.jp/config/prod/official/network_config",
	KR:   "https://ak-conf.arknights.kr/config/prod/official/network_config",
	CN:   "https://ak-conf.hypergryph.com/config/prod/official/network_config",
	Bili: "https://ak-conf.hypergryph.com/config/prod/b/network_config",
	TW:   "https://ak-conf.txwy.tw/config/prod/official/network_config",
}

func init() {
	if err := checkTables(); err != nil {
		panic(err)
	}
}

func checkTables() error {
	tables := map[string]map[Code]string{
		"network version":    networkVersions,
		"channel id":         channelIDs,
		"passport url":       passportURLs,
		"network config url": networkConfigURLs,
	}
	for name, table := range tables {
		if len(table) != len(All) {
			return fmt.Errorf("region table %q has %d entries, want %d", name, len(table), len(All))
		}
		for _, c := range All {
			if _, ok := table[c]; !ok {
				return fmt.Errorf("region table %q is missing %q", name, c)
			}
		}
	}
	return nil
}

// Parse converts s into a Code. The empty string maps to Default.
func Parse(s string) (Code, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Default, nil
	}
	c := Code(s)
	if !c.Valid() {
		return "", oops.Code(CodeUnknownRegion).
			With("region", s).
			Wrap(ErrUnknownRegion)
	}
	return c, nil
}

// Valid reports whether c is a known region.
func (c Code) Valid() bool {
	_, ok := networkVersions[c]
	return ok
}

func (c Code) String() string {
	return string(c)
}

// NetworkVersion returns the network version sent in the secret request.
// For TW this is the Unsupported sentinel.
func (c Code) NetworkVersion() string {
	return networkVersions[c]
}

// ChannelID returns the distributor channel used in the device token request.
func (c Code) ChannelID() string {
	return channelIDs[c]
}

// PassportURL returns the identity provider base URL.
func (c Code) PassportURL() string {
	return passportURLs[c]
}

// NetworkConfigURL returns the endpoint serving the region's domain table.
func (c Code) NetworkConfigURL() string {
	return networkConfigURLs[c]
}

// Supported reports whether the identity provider flow is available.
func (c Code) Supported() bool {
	return c.Valid() && c.PassportURL() != Unsupported
}
