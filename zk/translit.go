package zk

import "strings"

// translitTable maps Latin characters the firmware cannot store to ASCII
// substitutes. Applied on write paths only; decoded names pass through
// untouched.
var translitTable = map[rune]string{
	'á': "a", 'à': "a", 'â': "a", 'ä': "a", 'ã': "a", 'å': "a",
	'Á': "A", 'À': "A", 'Â': "A", 'Ä': "A", 'Ã': "A", 'Å': "A",
	'é': "e", 'è': "e", 'ê': "e", 'ë': "e",
	'É': "E", 'È': "E", 'Ê': "E", 'Ë': "E",
	'í': "i", 'ì': "i", 'î': "i", 'ï': "i",
	'Í': "I", 'Ì': "I", 'Î': "I", 'Ï': "I",
	'ó': "o", 'ò': "o", 'ô': "o", 'ö': "o", 'õ': "o", 'ø': "o",
	'Ó': "O", 'Ò': "O", 'Ô': "O", 'Ö': "O", 'Õ': "O", 'Ø': "O",
	'ú': "u", 'ù': "u", 'û': "u", 'ü': "u",
	'Ú': "U", 'Ù': "U", 'Û': "U", 'Ü': "U",
	'ç': "c", 'Ç': "C",
	'ñ': "n", 'Ñ': "N",
	'ý': "y", 'Ý': "Y",
	'ß': "ss",
	'æ': "ae", 'Æ': "AE",
	'œ': "oe", 'Œ': "OE",
	'š': "s", 'Š': "S",
	'ž': "z", 'Ž': "Z",
	'ć': "c", 'Ć': "C",
	'č': "c", 'Č': "C",
	'đ': "d", 'Đ': "D",
	'ł': "l", 'Ł': "L",
}

// Transliterate substitutes characters the firmware cannot store. Characters
// without a table entry pass through unchanged.
func Transliterate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if sub, ok := translitTable[r]; ok {
			b.WriteString(sub)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
