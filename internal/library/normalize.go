// SPDX-License-Identifier: MIT

// Package library owns the music catalog: artists, albums, tracks and
// playlists, keyed so repeated syncs converge on one row per real-world
// entity.
package library

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeKey folds a display name into the natural key used for
// upserts: case-folded, diacritics stripped, whitespace collapsed.
// "Mötley Crüe" and "motley crue" land on the same row.
func NormalizeKey(name string) string {
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	return strings.Join(strings.Fields(folded), " ")
}
