package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
)

// Length caps for user supplied call text
const (
	MaxDisplayNameLength = 64
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
	MaxTagLength         = 32
	MaxTags              = 16
)

var (
	scriptRegex = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRegex  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRegex    = regexp.MustCompile(`<[^>]*>`)
	spaceRegex  = regexp.MustCompile(`\s+`)
)

// StripHTML removes all HTML tags, dropping script and style bodies entirely
func StripHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = styleRegex.ReplaceAllString(input, "")
	return tagRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate cuts input to at most maxRunes runes without splitting a character
func Truncate(input string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(input) <= maxRunes {
		return input
	}
	return string([]rune(input)[:maxRunes])
}

// Text cleans a free-form field: tags and control characters go, whitespace is
// trimmed and the result is capped at maxRunes.
func Text(input string, maxRunes int) string {
	input = StripControlCharacters(StripHTML(input))
	return Truncate(strings.TrimSpace(input), maxRunes)
}

// DisplayName cleans a name shown to other participants and collapses inner whitespace
func DisplayName(name string) string {
	name = StripControlCharacters(StripHTML(name))
	name = spaceRegex.ReplaceAllString(strings.TrimSpace(name), " ")
	return Truncate(name, MaxDisplayNameLength)
}

// Tags cleans each tag, drops empties and duplicates, and keeps at most MaxTags
func Tags(tags []string) []string {
	cleaned := lo.Uniq(lo.Compact(lo.Map(tags, func(t string, _ int) string {
		return Text(t, MaxTagLength)
	})))
	if len(cleaned) > MaxTags {
		cleaned = cleaned[:MaxTags]
	}
	return cleaned
}
