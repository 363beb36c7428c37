// Package validator 把 Extractor 产出的原始记录清洗为可入库的实体。
//
// 校验失败返回 apperr Validation 错误，调用方记录后跳过该条记录。
package validator

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
)

// ErrRejected 记录未通过校验。
var ErrRejected = errors.New("record rejected")

const (
	opCleanProduct = "validator.clean_product"
	opCleanReview  = "validator.clean_review"
)

// 字段长度上限（按字符计）。
const (
	maxIDLen        = 100
	maxTitleLen     = 1000
	maxBrandLen     = 100
	maxCategoryLen  = 100
	maxShopNameLen  = 200
	maxLocationLen  = 100
	maxSourceURLLen = 1000
	maxUserLevelLen = 50
)

// Validator 原始记录清洗器，并发安全。
type Validator struct {
	cleaner *contentCleaner
}

// New 创建 Validator。
func New() *Validator {
	return &Validator{cleaner: newContentCleaner()}
}

func reject(op, field, format string, args ...any) error {
	return apperr.Validation(op, fmt.Errorf("%w: %s %s", ErrRejected, field, fmt.Sprintf(format, args...)))
}

// CleanProduct 清洗商品记录。
//
// 缺少 product_id 时按 md5(platform_title_price) 前 16 位生成；
// 折扣率在两个价格都存在时重新计算，否则保留来源提供的值。
//
// 返回值:
//
//	*model.Product: 清洗后的商品（未入库，ID 为 0）
//	error: 记录被拒绝时返回 Validation 错误
func (v *Validator) CleanProduct(raw model.RawProduct) (*model.Product, error) {
	f := normalize(raw)
	const op = opCleanProduct

	platform, _ := stringField(f, model.FieldPlatform)
	if !model.IsKnownPlatform(platform) {
		return nil, reject(op, "platform", "unknown platform %q", platform)
	}
	title, _ := stringField(f, model.FieldTitle)
	if title == "" {
		return nil, reject(op, "title", "is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return nil, reject(op, "title", "exceeds %d characters", maxTitleLen)
	}

	p := &model.Product{
		Platform: platform,
		Title:    title,
		Status:   model.ProductActive,
	}

	var err error
	if p.Price, err = optionalNonNegative(f, model.FieldPrice); err != nil {
		return nil, reject(op, "price", "%v", err)
	}
	if p.OriginalPrice, err = optionalNonNegative(f, model.FieldOriginalPrice); err != nil {
		return nil, reject(op, "original_price", "%v", err)
	}
	sourceDiscount, err := optionalNonNegative(f, model.FieldDiscountRate)
	if err != nil {
		return nil, reject(op, "discount_rate", "%v", err)
	}
	if sourceDiscount != nil && *sourceDiscount > 100 {
		return nil, reject(op, "discount_rate", "out of range: %v", *sourceDiscount)
	}
	if p.Price != nil && p.OriginalPrice != nil {
		p.DiscountRate = DiscountRate(p.Price, p.OriginalPrice)
	} else {
		p.DiscountRate = sourceDiscount
	}

	if p.Rating, err = optionalNonNegative(f, model.FieldRating); err != nil {
		return nil, reject(op, "rating", "%v", err)
	}
	if p.Rating != nil && *p.Rating > 5 {
		return nil, reject(op, "rating", "out of range: %v", *p.Rating)
	}
	if p.SalesCount, err = countField(f, model.FieldSalesCount); err != nil {
		return nil, reject(op, "sales_count", "%v", err)
	}
	if p.ReviewCount, err = countField(f, model.FieldReviewCount); err != nil {
		return nil, reject(op, "review_count", "%v", err)
	}

	if id, ok := stringField(f, model.FieldProductID); ok {
		p.ProductID = id
	} else {
		p.ProductID = ProductID(platform, title, p.Price)
	}
	if utf8.RuneCountInString(p.ProductID) > maxIDLen {
		return nil, reject(op, "product_id", "exceeds %d characters", maxIDLen)
	}

	limits := []struct {
		key string
		max int
		dst *string
	}{
		{model.FieldBrand, maxBrandLen, &p.Brand},
		{model.FieldCategory, maxCategoryLen, &p.Category},
		{model.FieldShopName, maxShopNameLen, &p.ShopName},
		{model.FieldLocation, maxLocationLen, &p.Location},
	}
	for _, l := range limits {
		s, _ := stringField(f, l.key)
		if utf8.RuneCountInString(s) > l.max {
			return nil, reject(op, l.key, "exceeds %d characters", l.max)
		}
		*l.dst = s
	}

	if status, ok := stringField(f, model.FieldStatus); ok {
		switch status {
		case model.ProductActive, model.ProductInactive, model.ProductDeleted:
			p.Status = status
		default:
			return nil, reject(op, "status", "unknown status %q", status)
		}
	}

	if p.SourceURL, err = sourceURL(f); err != nil {
		return nil, reject(op, "source_url", "%v", err)
	}

	images := validURLs(asStringList(f[model.FieldImageURLs]))
	if single, ok := stringField(f, model.FieldImageURL); ok && IsValidURL(single) {
		images = appendUnique(images, single)
	}
	p.Images = images
	p.Tags = uniqueStrings(asStringList(f[model.FieldTags]))
	p.Specifications = specMap(f[model.FieldSpecifications])

	return p, nil
}

// CleanReview 清洗评论记录。
//
// 缺少 review_id 时按 md5(productId_userName_reviewTime) 前 16 位生成（用户名取脱敏前的值）。
// 正文会去除标签和非常规字符，并派生情感得分与关键词。
func (v *Validator) CleanReview(raw model.RawReview) (*model.Review, error) {
	f := normalize(raw)
	const op = opCleanReview

	platform, _ := stringField(f, model.FieldPlatform)
	if !model.IsKnownPlatform(platform) {
		return nil, reject(op, "platform", "unknown platform %q", platform)
	}
	productID, _ := stringField(f, model.FieldProductID)
	if productID == "" {
		return nil, reject(op, "product_id", "is required")
	}
	if utf8.RuneCountInString(productID) > maxIDLen {
		return nil, reject(op, "product_id", "exceeds %d characters", maxIDLen)
	}

	ratingRaw, ok := f[model.FieldRating]
	if !ok {
		return nil, reject(op, "rating", "is required")
	}
	rating, err := asInt(ratingRaw)
	if err != nil {
		return nil, reject(op, "rating", "%v", err)
	}
	if rating < 1 || rating > 5 {
		return nil, reject(op, "rating", "out of range: %d", rating)
	}

	userName, _ := stringField(f, model.FieldUserName)
	reviewTimeRaw, _ := stringField(f, model.FieldReviewTime)

	r := &model.Review{
		ProductID:        productID,
		Platform:         platform,
		UserName:         Anonymize(userName),
		Rating:           rating,
		VerifiedPurchase: asBool(f[model.FieldVerifiedPurchase]),
		IsTopReview:      asBool(f[model.FieldIsTopReview]),
		PurchaseTime:     asTime(f[model.FieldPurchaseTime]),
		ReviewTime:       asTime(f[model.FieldReviewTime]),
	}

	if id, ok := stringField(f, model.FieldReviewID); ok {
		r.ReviewID = id
	} else {
		r.ReviewID = ReviewID(productID, userName, reviewTimeRaw)
	}
	if utf8.RuneCountInString(r.ReviewID) > maxIDLen {
		return nil, reject(op, "review_id", "exceeds %d characters", maxIDLen)
	}

	r.UserLevel, _ = stringField(f, model.FieldUserLevel)
	if utf8.RuneCountInString(r.UserLevel) > maxUserLevelLen {
		r.UserLevel = string([]rune(r.UserLevel)[:maxUserLevelLen])
	}

	if content, ok := stringField(f, model.FieldContent); ok {
		r.Content = v.cleaner.Clean(content)
	}
	if pros, ok := stringField(f, model.FieldPros); ok {
		r.Pros = v.cleaner.StripMarkup(pros)
	}
	if cons, ok := stringField(f, model.FieldCons); ok {
		r.Cons = v.cleaner.StripMarkup(cons)
	}
	if r.Content != "" {
		r.SentimentScore = Sentiment(r.Content)
		r.Keywords = Keywords(r.Content)
	}

	if r.HelpfulCount, err = countField(f, model.FieldHelpfulCount); err != nil {
		return nil, reject(op, "helpful_count", "%v", err)
	}
	if r.ReplyCount, err = countField(f, model.FieldReplyCount); err != nil {
		return nil, reject(op, "reply_count", "%v", err)
	}

	r.Images = validURLs(asStringList(f[model.FieldImages]))
	r.Specifications = specText(f[model.FieldSpecifications])
	if r.SourceURL, err = sourceURL(f); err != nil {
		return nil, reject(op, "source_url", "%v", err)
	}
	return r, nil
}

// DiscountRate 计算折扣率：原价高于现价时为 round((1 - price/original)*100, 2)，否则为 nil。
func DiscountRate(price, original *float64) *float64 {
	if price == nil || original == nil || *original <= *price || *original == 0 {
		return nil
	}
	d := round2((1 - *price / *original) * 100)
	return &d
}

// ProductID 生成稳定的商品 ID。
func ProductID(platform, title string, price *float64) string {
	p := "0"
	if price != nil {
		p, _ = asString(*price)
	}
	return shortHash(platform + "_" + title + "_" + p)
}

// ReviewID 生成稳定的评论 ID。
func ReviewID(productID, userName, reviewTime string) string {
	return shortHash(productID + "_" + userName + "_" + reviewTime)
}

func shortHash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func stringField(f map[string]any, key string) (string, bool) {
	v, ok := f[key]
	if !ok {
		return "", false
	}
	s, ok := asString(v)
	if !ok {
		return "", false
	}
	s = collapse(s)
	return s, s != ""
}

func optionalNonNegative(f map[string]any, key string) (*float64, error) {
	v, ok := f[key]
	if !ok {
		return nil, nil
	}
	n, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("negative value %v", n)
	}
	return &n, nil
}

func countField(f map[string]any, key string) (int, error) {
	v, ok := f[key]
	if !ok {
		return 0, nil
	}
	n, err := asInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// sourceURL 非法地址视为缺失；超长则拒绝。
func sourceURL(f map[string]any) (string, error) {
	u, ok := stringField(f, model.FieldSourceURL)
	if !ok || !IsValidURL(u) {
		return "", nil
	}
	if utf8.RuneCountInString(u) > maxSourceURLLen {
		return "", fmt.Errorf("exceeds %d characters", maxSourceURLLen)
	}
	return u, nil
}

func validURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if IsValidURL(u) {
			out = append(out, u)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = appendUnique(out, s)
	}
	return out
}

func specMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		if s, ok := asString(item); ok && s != "" {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func specText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if len(val) == 0 {
			return ""
		}
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}
