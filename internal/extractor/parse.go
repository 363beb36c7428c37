package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var errParse = errors.New("parse")

var (
	priceRe             = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
	priceWithCurrencyRe = regexp.MustCompile(`[¥￥]\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	countRe             = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*(万)?`)
	brandRe             = regexp.MustCompile(`^([A-Za-z\x{4e00}-\x{9fa5}]+)`)
	cnDateRe            = regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日`)
	pageConfigRe        = regexp.MustCompile(`(?s)g_page_config\s*=\s*(\{.+?\});\s*(?:\n|$)`)
	jsonpRe             = regexp.MustCompile(`(?s)^[\w.$]+\s*\((.*)\)\s*;?\s*$`)
)

// parsePrice 从 "¥ 1,299.00"、"1299" 等文本中取出价格。
func parsePrice(txt string) (float64, error) {
	if match := priceWithCurrencyRe.FindStringSubmatch(txt); len(match) > 1 {
		candidate := strings.ReplaceAll(match[1], ",", "")
		if val, err := strconv.ParseFloat(candidate, 64); err == nil {
			return val, nil
		}
	}

	cleaned := strings.NewReplacer("¥", "", "￥", "", ",", "").Replace(txt)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, fmt.Errorf("%w: empty price", errParse)
	}
	match := priceRe.FindString(cleaned)
	if match == "" {
		return 0, fmt.Errorf("%w: no digits in %q", errParse, txt)
	}
	val, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errParse, err)
	}
	return val, nil
}

// parseCount 解析 "月销1000+"、"2.3万+人付款" 这类计数文本，无数字时返回 0。
func parseCount(txt string) int {
	m := countRe.FindStringSubmatch(strings.ReplaceAll(txt, ",", ""))
	if len(m) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if m[2] == "万" {
		v = math.Round(v * 10000)
	}
	return int(v)
}

// leadingBrand 取标题开头连续的字母或汉字作为品牌。
func leadingBrand(title string) string {
	m := brandRe.FindStringSubmatch(strings.TrimSpace(title))
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// cnDate 把 "2024年01月15日" 转为 "2024-01-15"，其他格式原样返回。
func cnDate(s string) string {
	m := cnDateRe.FindStringSubmatch(strings.TrimSpace(s))
	if len(m) < 4 {
		return s
	}
	return m[1] + "-" + pad2(m[2]) + "-" + pad2(m[3])
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// unwrapJSONP 去掉 "callback(...)" 外壳；不是 JSONP 时原样返回。
func unwrapJSONP(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed
	}
	if m := jsonpRe.FindSubmatch(trimmed); len(m) > 1 {
		return m[1]
	}
	return trimmed
}

// pageConfig 从淘宝搜索页脚本中取出 g_page_config 对象。
func pageConfig(html string) ([]byte, error) {
	m := pageConfigRe.FindStringSubmatch(html)
	if len(m) < 2 {
		return nil, fmt.Errorf("%w: g_page_config not found", errParse)
	}
	return []byte(m[1]), nil
}

// absURL 补全协议相对地址。
func absURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}
