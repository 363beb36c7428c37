package validator

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxContentRunes = 2000
	maxKeywords     = 10
	anonymousUser   = "Anonymous"
)

var (
	positiveWords = []string{
		"好", "棒", "不错", "满意", "推荐", "值得", "优质", "完美", "优秀",
		"good", "great", "excellent", "amazing", "perfect", "love", "recommend",
	}
	negativeWords = []string{
		"差", "糟糕", "失望", "不好", "垃圾", "问题", "故障", "缺陷",
		"bad", "terrible", "awful", "disappointed", "hate", "worst", "problem",
	}
	featureWords = []string{
		"电池", "屏幕", "摄像头", "性能", "价格", "质量", "外观", "手感", "系统",
		"充电", "耐用", "清晰", "流畅", "速度快", "发热", "音质", "拍照",
		"battery", "screen", "camera", "performance", "price", "quality", "design",
	}

	// 允许的字符：字母、数字、下划线、空白、常用中日韩汉字与中英文标点。
	disallowedChars = regexp.MustCompile(`[^\p{L}\p{N}_\s\x{4e00}-\x{9fa5}.,!?()（）。，！？]`)

	urlPattern = regexp.MustCompile(`(?i)^https?://` +
		`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+[A-Z]{2,6}\.?|` +
		`localhost|` +
		`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
		`(?::\d+)?` +
		`(?:/?|[/?]\S+)$`)
)

// IsValidURL 判断是否为合法的 http(s) 绝对地址。
func IsValidURL(u string) bool {
	return urlPattern.MatchString(u)
}

// Sentiment 基于固定词表的情感得分：(正向命中 - 负向命中) / 命中总数，无命中为 0。
// 每个词只计一次，返回未经舍入的比值。
func Sentiment(text string) float64 {
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	pos, neg := countHits(lower, positiveWords), countHits(lower, negativeWords)
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func countHits(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

// Keywords 返回文本中出现的商品特征词（按词表顺序，最多 10 个）。
func Keywords(text string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var found []string
	for _, w := range featureWords {
		if strings.Contains(lower, w) {
			found = append(found, w)
			if len(found) == maxKeywords {
				break
			}
		}
	}
	return found
}

// Anonymize 用户名脱敏：超过 3 个字符保留前 2 个，否则保留第 1 个，其余以 "**" 代替。
func Anonymize(name string) string {
	if name == "" || name == anonymousUser {
		return anonymousUser
	}
	runes := []rune(name)
	if len(runes) > 3 {
		return string(runes[:2]) + "**"
	}
	return string(runes[:1]) + "**"
}

// contentCleaner 清洗评论正文。
type contentCleaner struct {
	policy *bluemonday.Policy
}

func newContentCleaner() *contentCleaner {
	return &contentCleaner{policy: bluemonday.StrictPolicy()}
}

func (c *contentCleaner) Clean(s string) string {
	s = collapse(s)
	if s == "" {
		return ""
	}
	s = html.UnescapeString(c.policy.Sanitize(s))
	s = disallowedChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxContentRunes {
		s = string([]rune(s)[:maxContentRunes])
	}
	return s
}

// StripMarkup 去除 HTML 标签并还原实体，用于非正文文本字段。
func (c *contentCleaner) StripMarkup(s string) string {
	return collapse(html.UnescapeString(c.policy.Sanitize(s)))
}
