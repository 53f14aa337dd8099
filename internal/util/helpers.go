// Package util — небольшие общие утилиты без внешних зависимостей.
// Содержит обобщённые функции для работы со слайсами, числовыми диапазонами
// и нормализацией списков ключевых слов. Фокус: безопасные операции без
// паник, сохранение порядка и простая семантика.
package util

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// Unique возвращает срез уникальных значений, сохраняя порядок первого появления.
// Работает для любых типов с сравнимостью (comparable). Сложность O(n) по времени
// и O(n) по памяти на карту «виденных» значений. Порядок стабильный.
func Unique[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// GetAt безопасно возвращает элемент слайса по индексу i. В случае выхода за
// границы возвращает нулевое значение типа T и false, без паники.
func GetAt[T any](s []T, i int) (T, bool) {
	if i < 0 || i >= len(s) {
		var zero T
		return zero, false
	}
	return s[i], true
}

// Random возвращает псевдослучайное целое в диапазоне [fromMin, toMax] включительно.
// Если fromMin >= toMax, возвращается fromMin. Используется math/rand/v2; криптостойкость
// не требуется, поэтому пометка #nosec G404 осознанна.
func Random(fromMin, toMax int) int {
	if fromMin >= toMax {
		return fromMin
	}
	return rand.IntN(toMax-fromMin+1) + fromMin // #nosec G404
}

// maxKeywordLen is the per-keyword truncation limit.
const maxKeywordLen = 100

// keywordSplitFunc treats whitespace, comma, full-width comma (，) and
// semicolon as keyword separators.
func keywordSplitFunc(r rune) bool {
	switch r {
	case ',', '，', ';', '\n', '\r', '\t', ' ':
		return true
	default:
		return false
	}
}

// NormalizeKeywords splits a free-form keyword list on whitespace, comma,
// full-width comma, semicolon or newline, lowercases each entry, truncates it
// to maxKeywordLen runes, drops empties, and dedupes preserving first-seen
// order. The result is truncated to maxCount entries (maxCount<=0 — no cap).
func NormalizeKeywords(raw string, maxCount int) []string {
	parts := strings.FieldsFunc(raw, keywordSplitFunc)
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		kw := strings.ToLower(strings.TrimSpace(part))
		if kw == "" {
			continue
		}
		if r := []rune(kw); len(r) > maxKeywordLen {
			kw = string(r[:maxKeywordLen])
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	return out
}

// MatchesAny reports whether text contains at least one of keywords, per the
// same case-insensitive, word-boundary "smart contains" rule ContainsSmart
// implements — keywords is expected to already be normalized (lowercased) by
// NormalizeKeywords.
func MatchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if ContainsSmart(text, kw) {
			return true
		}
	}
	return false
}

// ContainsSmart reports whether text contains kw as a whole "word", where a
// word boundary is any non-letter/non-digit rune (or string start/end) —
// giving correct boundaries for Cyrillic and other non-ASCII alphabets, not
// just ASCII \b. Matching is case-insensitive.
func ContainsSmart(text, kw string) bool {
	if kw == "" {
		return false
	}
	pattern := `(?i)(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(kw) + `([^\p{L}\p{N}]|$)`
	re := regexp.MustCompile(pattern)
	return re.FindStringIndex(text) != nil
}
