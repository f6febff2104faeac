// Scribe is a media transcription job service.
// Copyright (C) 2025 Scribe Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package transcribe

import (
	"regexp"
	"strings"
	"testing"
)

func TestGenerateJobIDShape(t *testing.T) {
	shape := regexp.MustCompile(`^JOB-[A-Z0-9]{6}$`)
	for i := 0; i < 1000; i++ {
		id := GenerateJobID()
		if !shape.MatchString(id) {
			t.Fatalf("id %q does not match JOB-XXXXXX", id)
		}
		for _, c := range id[4:] {
			if !strings.ContainsRune(jobIDAlphabet, c) {
				t.Fatalf("id %q contains %q outside the alphabet", id, c)
			}
		}
	}
}

func TestGenerateJobIDUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := GenerateJobID()
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestGenerateJobIDCoversAlphabetEnd(t *testing.T) {
	// A biased sampler underweights the tail of the alphabet; across many
	// draws every character should still appear.
	counts := make(map[byte]int)
	for i := 0; i < 5000; i++ {
		id := GenerateJobID()
		for j := 4; j < len(id); j++ {
			counts[id[j]]++
		}
	}
	for i := 0; i < len(jobIDAlphabet); i++ {
		if counts[jobIDAlphabet[i]] == 0 {
			t.Fatalf("character %q never drawn in 30000 samples", jobIDAlphabet[i])
		}
	}
}
