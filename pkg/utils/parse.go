// Copyright The NRI Plugins Authors. All Rights Reserved.
//
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

package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseEnabled parses an enabled/disabled state from the given string.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "enable", "enabled", "true", "yes", "1":
		return true, nil
	case "off", "disable", "disabled", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled state %q", value)
}

// ParseAddress parses an address given in decimal, or in hexadecimal with
// a leading "0x".
func ParseAddress(value string) (uint64, error) {
	str := strings.ToLower(strings.TrimSpace(value))
	if hex, ok := strings.CutPrefix(str, "0x"); ok {
		addr, err := strconv.ParseUint(strings.ReplaceAll(hex, "_", ""), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid address %q: %w", value, err)
		}
		return addr, nil
	}

	addr, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", value, err)
	}
	return addr, nil
}
