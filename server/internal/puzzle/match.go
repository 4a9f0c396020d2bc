package puzzle

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultMinSimilarity 是单词级模糊匹配的最低相似度。
const DefaultMinSimilarity = 0.75

// Matcher 对玩家的自由文本答案做确定性的模糊匹配。
//
// 命中规则（任一即可）：
//  1. 归一化后的答案作为完整词组出现在输入里；
//  2. 答案的中心词（多词答案取最后一个词）与输入中某个词的编辑距离相似度 >= MinSimilarity。
//
// 多词答案的修饰词（如 "light rain" 中的 "light"）不参与规则 2，不会单独命中。
type Matcher struct {
	MinSimilarity float64
}

// Match 判断 input 是否命中 accepted 中任意一个答案。
func (m Matcher) Match(input string, accepted []string) bool {
	minSim := m.MinSimilarity
	if minSim <= 0 {
		minSim = DefaultMinSimilarity
	}
	words := Normalize(input)
	if len(words) == 0 {
		return false
	}
	phrase := " " + strings.Join(words, " ") + " "

	for _, ans := range accepted {
		target := Normalize(ans)
		if len(target) == 0 {
			continue
		}
		if strings.Contains(phrase, " "+strings.Join(target, " ")+" ") {
			return true
		}
		head := target[len(target)-1]
		if len([]rune(head)) < 3 {
			continue
		}
		for _, w := range words {
			if similarity(w, head) >= minSim {
				return true
			}
		}
	}
	return false
}

// Normalize 去掉重音、做 Unicode case folding，并按非字母数字切词。
func Normalize(s string) []string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
