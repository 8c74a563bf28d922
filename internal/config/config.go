// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the hierarchical swarm.gdp.* / swarm.gdplogd.*
// name=value store that tunes logd: storage pragmas, RPC and
// subscription timeouts, cache reclamation cadence, and crypto
// defaults. Values are layered onto a built-in default set with
// dario.cat/mergo, the same overlay-onto-defaults idiom used to apply
// a configuration spec over its defaults.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/pkg/errors"

	"github.com/gdp-project/gdp/internal/timeout"
)

// Store is a flat name=value store keyed by dotted parameter names
// such as "swarm.gdp.invoke.timeout".
type Store struct {
	values map[string]string
}

// Defaults returns the built-in parameter set logd runs with absent
// any configuration file.
func Defaults() *Store {
	return &Store{values: map[string]string{
		"swarm.gdp.data.root":        "/var/swarm/gdp",
		"swarm.gdplogd.log.dir":      "/var/swarm/gdp",
		"swarm.gdplogd.gob.mode":     "0640",

		"swarm.gdp.invoke.timeout":    "10s",
		"swarm.gdp.invoke.retries":    "3",
		"swarm.gdp.invoke.retrydelay": "100ms",

		"swarm.gdp.subscr.timeout":   "300s",
		"swarm.gdp.subscr.refresh":   "60s",
		"swarm.gdp.subscr.pokeintvl": "30s",

		"swarm.gdp.event.timeout.data": "200ms",
		"swarm.gdp.event.timeout.done": "500ms",

		"swarm.gdp.reclaim.interval": "60s",
		"swarm.gdp.reclaim.age":      "3600s",

		"swarm.gdp.crypto.digest":         "sha256",
		"swarm.gdp.crypto.sign":           "ed25519",
		"swarm.gdp.crypto.keyenc":         "none",
		"swarm.gdp.crypto.key.dir":        "~/.gdp/keys",
		"swarm.gdp.crypto.key.mode":       "0400",
		"swarm.gdp.crypto.key.exclusive":  "true",

		"swarm.gdplogd.advertise.delay":    "100ms",
		"swarm.gdplogd.advertise.interval": "30s",

		"swarm.gdp.command.runinthread":  "true",
		"swarm.gdp.response.runinthread": "false",

		"swarm.gdplogd.sequencing.allowgaps": "false",
		"swarm.gdplogd.sequencing.allowdups": "true",
		"swarm.gdplogd.crypto.strictness":    "verify,pubkey",

		"swarm.gdplogd.sqlite.pragma.synchronous":   "NORMAL",
		"swarm.gdplogd.sqlite.pragma.journal_mode":  "WAL",
		"swarm.gdplogd.sqlite.pragma.busy_timeout":  "5000",
	}}
}

// FromMap wraps values as a Store, for overlays built up in memory
// (e.g. command-line flag overrides) rather than read from a file.
func FromMap(values map[string]string) *Store {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Store{values: cp}
}

// Load parses a name=value file. Blank lines and lines beginning with
// "#" are ignored. Parameters not present in the returned Store should
// be overlaid onto Defaults with Merge rather than assumed absent.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", path)
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("%s:%d: not a name=value line: %q", path, lineno, line)
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	return &Store{values: values}, nil
}

// Merge overlays overlay's values on top of s, returning a new Store.
// s is left unmodified.
func (s *Store) Merge(overlay *Store) (*Store, error) {
	merged := map[string]string{}
	for k, v := range s.values {
		merged[k] = v
	}
	if overlay != nil {
		if err := mergo.Merge(&merged, overlay.values, mergo.WithOverride); err != nil {
			return nil, errors.Wrap(err, "merging config overlay")
		}
	}
	return &Store{values: merged}, nil
}

// String returns the raw string value for key, or def if unset.
func (s *Store) String(key, def string) string {
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// Int parses the value for key as a decimal integer.
func (s *Store) Int(key string, def int) (int, error) {
	v, ok := s.values[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s=%q as int", key, v)
	}
	return n, nil
}

// Bool parses the value for key as a boolean.
func (s *Store) Bool(key string, def bool) (bool, error) {
	v, ok := s.values[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "parsing %s=%q as bool", key, v)
	}
	return b, nil
}

// Duration parses the value for key with timeout.Parse.
func (s *Store) Duration(key string) (timeout.Setting, error) {
	v, err := timeout.Parse(s.values[key])
	return v, errors.Wrapf(err, "parsing %s", key)
}

// MaxAge parses the value for key with timeout.ParseMaxAge, the right
// reading for swarm.gdp.reclaim.age where an explicit 0 disables
// age-based reclamation instead of selecting a built-in default.
func (s *Store) MaxAge(key string) (timeout.Setting, error) {
	v, err := timeout.ParseMaxAge(s.values[key])
	return v, errors.Wrapf(err, "parsing %s", key)
}

// StringSet splits a comma-separated value such as
// swarm.gdplogd.crypto.strictness into a set of its members.
func (s *Store) StringSet(key string) map[string]bool {
	out := map[string]bool{}
	v := s.values[key]
	if v == "" {
		return out
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = true
		}
	}
	return out
}
