// Package speech turns a stream of answer fragments into fixed-size
// PCM chunks on a playback sink, synthesizing sentence-sized segments
// as the text arrives.
package speech

import "strings"

// emojiRanges covers the pictographic blocks models like to sprinkle
// into answers. TTS engines read them out loud otherwise.
var emojiRanges = [][2]rune{
	{0x1F300, 0x1F5FF}, // symbols and pictographs
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F680, 0x1F6FF}, // transport
	{0x1F900, 0x1F9FF}, // supplemental symbols
	{0x1FA70, 0x1FAFF}, // extended-A
	{0x2600, 0x26FF},   // miscellaneous symbols
	{0x2700, 0x27BF},   // dingbats
	{0xFE00, 0xFE0F},   // variation selectors
	{0x1F1E6, 0x1F1FF}, // regional indicators
}

func isEmoji(r rune) bool {
	for _, rng := range emojiRanges {
		if r >= rng[0] && r <= rng[1] {
			return true
		}
	}
	return false
}

// markdownMarkers are emphasis and structure characters that carry no
// pronunciation.
const markdownMarkers = "*_`#~"

// Sanitize strips emoji and markdown markers from a fragment. An empty
// result means the fragment has nothing to say out loud.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) || strings.ContainsRune(markdownMarkers, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
