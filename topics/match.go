// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics implements AMQP topic exchange pattern matching.
package topics

import "strings"

// Match reports whether routingKey matches the binding pattern.
// Rules:
//   - words are separated by '.'.
//   - '*' matches exactly one word.
//   - '#' matches zero or more words.
func Match(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	if pattern == "#" {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		p := pattern[0]
		if p == "#" {
			// Collapse consecutive '#' and try every split point.
			for len(pattern) > 0 && pattern[0] == "#" {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern, key[i:]) {
					return true
				}
			}
			return false
		}

		if len(key) == 0 {
			return false
		}
		if p != "*" && p != key[0] {
			return false
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
