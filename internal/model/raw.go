package model

// Record 是 Extractor 产出的原始记录，字段类型不做保证（字符串、数字、切片混杂）。
// 由 validator 负责清洗为 Product / Review。
type Record map[string]any

// RawProduct 列表页原始商品记录。
type RawProduct = Record

// RawReview 原始评论记录。
type RawReview = Record

// RawProductDetail 商品详情页原始记录。
type RawProductDetail = Record

// 原始记录常用字段名。
const (
	FieldProductID        = "product_id"
	FieldPlatform         = "platform"
	FieldTitle            = "title"
	FieldBrand            = "brand"
	FieldPrice            = "price"
	FieldOriginalPrice    = "original_price"
	FieldDiscountRate     = "discount_rate"
	FieldSalesCount       = "sales_count"
	FieldReviewCount      = "review_count"
	FieldRating           = "rating"
	FieldCategory         = "category"
	FieldImageURL         = "image_url"
	FieldImageURLs        = "image_urls"
	FieldSpecifications   = "specifications"
	FieldShopName         = "shop_name"
	FieldLocation         = "location"
	FieldTags             = "tags"
	FieldStatus           = "status"
	FieldSourceURL        = "source_url"
	FieldReviewID         = "review_id"
	FieldUserName         = "user_name"
	FieldUserLevel        = "user_level"
	FieldContent          = "content"
	FieldPros             = "pros"
	FieldCons             = "cons"
	FieldImages           = "images"
	FieldHelpfulCount     = "helpful_count"
	FieldReplyCount       = "reply_count"
	FieldPurchaseTime     = "purchase_time"
	FieldReviewTime       = "review_time"
	FieldVerifiedPurchase = "verified_purchase"
	FieldIsTopReview      = "is_top_review"
)

// String 返回字段的字符串值（非字符串返回空串），供日志使用。
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}
