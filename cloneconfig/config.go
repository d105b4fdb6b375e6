// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package cloneconfig parses the text configuration format of §6: a
// global file of "name=value" lines (# comments, blank lines ignored)
// plus one sibling ".{baseid}" suffix file per configured base.
//
// No library in the retrieval pack parses this exact dialect — it is
// neither TOML, YAML, nor dotenv (no quoting, no sections, a bare
// comma-separated list value for baseidstrs/cacheids) — so this is a
// small first-party scanner, in the spirit of the teacher's own
// smallest first-party parsers (erigon-lib/common/math, generalized
// here into numeric). See DESIGN.md for the libraries considered.
package cloneconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Global holds the top-level keys named in §6.
type Global struct {
	Primary     bool
	LogPath     string
	ClusterName string
	ModuleName  string
	ServerType  string
	BstarLocal  string
	BstarRemote string
	BaseIDs     []string
}

// BaseConfig holds the per-base "<X>" suffix-file keys named in §6.
type BaseConfig struct {
	Port            int
	Peer            int
	DatabasePath    string
	CacheIDs        []string
	BstarReceptor   string
	AddressPrimary  string
	PortPrimary     int
	AddressBackup   string
	PortBackup      int
}

// Config is the fully loaded configuration: the global file plus one
// BaseConfig per entry in Global.BaseIDs.
type Config struct {
	Global Global
	Bases  map[string]BaseConfig
}

// unknownKeyLogger receives (key, value) for any configuration key this
// loader does not recognize, per §7: "Unknown configuration key: log
// and continue with defaults." Load never fails because of one.
type unknownKeyLogger = func(file, key, value string)

// Load reads path as the global config file and, for every base id it
// names, path+"."+baseID as that base's config file.
func Load(path string, onUnknownKey unknownKeyLogger) (*Config, error) {
	globalLines, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("cloneconfig: read %s: %w", path, err)
	}

	cfg := &Config{Bases: map[string]BaseConfig{}}
	for _, kv := range globalLines {
		switch kv.key {
		case "primary":
			cfg.Global.Primary = strings.EqualFold(kv.value, "TRUE")
		case "logPath":
			cfg.Global.LogPath = kv.value
		case "ClusterName":
			cfg.Global.ClusterName = kv.value
		case "ModuleName":
			cfg.Global.ModuleName = kv.value
		case "ServerType":
			cfg.Global.ServerType = kv.value
		case "bstarLocal":
			cfg.Global.BstarLocal = kv.value
		case "bstarRemote":
			cfg.Global.BstarRemote = kv.value
		case "baseidstrs":
			cfg.Global.BaseIDs = splitCSV(kv.value)
		default:
			if onUnknownKey != nil {
				onUnknownKey(path, kv.key, kv.value)
			}
		}
	}

	for _, id := range cfg.Global.BaseIDs {
		basePath := path + "." + id
		baseLines, err := readLines(basePath)
		if err != nil {
			return nil, fmt.Errorf("cloneconfig: read base %s: %w", id, err)
		}
		bc := BaseConfig{}
		for _, kv := range baseLines {
			switch kv.key {
			case "port":
				bc.Port = atoiOrZero(kv.value)
			case "peer":
				bc.Peer = atoiOrZero(kv.value)
			case "databasePath":
				bc.DatabasePath = kv.value
			case "cacheids":
				bc.CacheIDs = splitCSV(kv.value)
			case "bstarReceptor":
				bc.BstarReceptor = kv.value
			case "addressprimary":
				bc.AddressPrimary = kv.value
			case "portprimary":
				bc.PortPrimary = atoiOrZero(kv.value)
			case "addressbackup":
				bc.AddressBackup = kv.value
			case "portbackup":
				bc.PortBackup = atoiOrZero(kv.value)
			default:
				if onUnknownKey != nil {
					onUnknownKey(basePath, kv.key, kv.value)
				}
			}
		}
		cfg.Bases[id] = bc
	}

	return cfg, nil
}

type kvLine struct{ key, value string }

func readLines(path string) ([]kvLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []kvLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		out = append(out, kvLine{key: key, value: value})
	}
	return out, sc.Err()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func atoiOrZero(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
