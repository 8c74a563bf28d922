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

// Package timeout parses the duration-valued configuration knobs of
// swarm.gdp.* (invoke.timeout, subscr.timeout/refresh/pokeintvl,
// event.timeout.{data,done}, reclaim.{interval,age}) with a uniform
// "default / disabled / explicit" vocabulary instead of a bare
// time.Duration, so a config file can say "infinity" (or "infinite")
// where that is meaningful
// (e.g. a subscription lease that never expires).
package timeout

import "time"

// Setting describes a timeout setting that can be exactly one of:
// disable the timeout entirely, use the default, or use a specific
// value. The zero value is a Setting representing "use the default".
type Setting struct {
	val      time.Duration
	disabled bool
}

// IsDisabled returns whether the timeout should be disabled entirely.
func (s Setting) IsDisabled() bool {
	return s.disabled
}

// UseDefault returns whether the default proxy timeout value should be
// used.
func (s Setting) UseDefault() bool {
	return !s.disabled && s.val == 0
}

// Duration returns the explicit timeout value if one exists.
func (s Setting) Duration() time.Duration {
	return s.val
}

// DefaultSetting returns a Setting representing "use the default".
func DefaultSetting() Setting {
	return Setting{}
}

// DisabledSetting returns a Setting representing "disable the timeout".
func DisabledSetting() Setting {
	return Setting{disabled: true}
}

// DurationSetting returns a timeout setting with the given duration.
func DurationSetting(duration time.Duration) Setting {
	return Setting{val: duration}
}

// Parse parses the string form of a config value in a standard way:
//   - an empty string means "use the default".
//   - "0" or "0s" means "use the default".
//   - "infinity" means "disable the timeout".
//   - a valid Go duration string is used as the specific timeout value.
//
// Parse returns an error for anything else rather than silently disabling
// the timeout, since a typo in a lease or maturity window is a correctness
// bug, not a preference.
func Parse(s string) (Setting, error) {
	if s == "" {
		return DefaultSetting(), nil
	}
	if s == "infinity" || s == "infinite" {
		return DisabledSetting(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Setting{}, err
	}
	if d == 0 {
		return DefaultSetting(), nil
	}
	return DurationSetting(d), nil
}

// ParseMaxAge is like Parse, but treats an explicit "0"/"0s" as "disabled"
// rather than "use the default". This is the right reading for a cache
// reclamation age cutoff (swarm.gdp.reclaim.age=0 means "reclaim anything
// unreferenced", not "use logd's built-in default age").
func ParseMaxAge(s string) (Setting, error) {
	if s == "0" || s == "0s" {
		return DisabledSetting(), nil
	}
	return Parse(s)
}
