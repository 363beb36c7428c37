package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/model"
)

const (
	taobaoPageSize       = 44
	taobaoReviewPageSize = 20
	taobaoItemURL        = "https://item.taobao.com/item.htm?id="
)

// Taobao 淘宝/天猫抓取实现。
//
// 搜索与详情页依赖脚本渲染，经 PageLoader（浏览器）加载；评论接口直接走 HTTP。
type Taobao struct {
	cfg     config.PlatformConfig
	fetcher *Fetcher
	pages   PageLoader
	logger  *slog.Logger
}

// NewTaobao 创建淘宝 Extractor。
//
// 参数:
//
//	cfg: 平台地址配置
//	fetcher: 评论接口使用的 HTTP 客户端
//	pages: 搜索页与详情页的加载器
//	logger: 日志记录器
func NewTaobao(cfg config.PlatformConfig, fetcher *Fetcher, pages PageLoader, logger *slog.Logger) *Taobao {
	return &Taobao{
		cfg:     cfg,
		fetcher: fetcher,
		pages:   pages,
		logger:  logger.With(slog.String("platform", model.PlatformTaobao)),
	}
}

func (t *Taobao) Platform() string { return model.PlatformTaobao }

// SearchProducts 按销量排序抓取搜索页，从 g_page_config 中读取商品列表。
func (t *Taobao) SearchProducts(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("q", category)
	params.Set("s", strconv.Itoa((page-1)*taobaoPageSize))
	params.Set("sort", "sale-desc")
	target := t.cfg.TaobaoSearchURL + "?" + strings.ReplaceAll(params.Encode(), "+", "%20")

	html, err := t.pages.Load(ctx, target)
	if err != nil {
		return nil, fail(t.logger, model.PlatformTaobao, "search_products", err)
	}
	raw, err := pageConfig(html)
	if err != nil {
		// 页面正常但没有商品数据时视为没有更多结果
		if !strings.Contains(html, "g_page_config") {
			return nil, nil
		}
		return nil, fail(t.logger, model.PlatformTaobao, "search_products", err)
	}

	var cfg struct {
		Mods struct {
			ItemList struct {
				Data struct {
					Auctions []map[string]any `json:"auctions"`
				} `json:"data"`
			} `json:"itemlist"`
		} `json:"mods"`
	}
	if err := decodeJSON(raw, &cfg); err != nil {
		return nil, fail(t.logger, model.PlatformTaobao, "search_products", err)
	}

	auctions := cfg.Mods.ItemList.Data.Auctions
	products := make([]model.RawProduct, 0, len(auctions))
	for _, a := range auctions {
		products = append(products, t.productRecord(a, category))
	}
	t.logger.Info("search page parsed",
		slog.String("category", category),
		slog.Int("page", page),
		slog.Int("products", len(products)))
	return products, nil
}

func (t *Taobao) productRecord(a map[string]any, category string) model.RawProduct {
	nid := str(a["nid"])
	p := model.RawProduct{
		model.FieldPlatform:    model.PlatformTaobao,
		model.FieldProductID:   nid,
		model.FieldTitle:       str(a["raw_title"]),
		model.FieldSalesCount:  parseCount(str(a["view_sales"])),
		model.FieldReviewCount: parseCount(str(a["comment_count"])),
		model.FieldShopName:    str(a["nick"]),
		model.FieldLocation:    str(a["item_loc"]),
		model.FieldImageURL:    absURL(str(a["pic_url"])),
		model.FieldCategory:    category,
	}
	if v, err := parsePrice(str(a["view_price"])); err == nil {
		p[model.FieldPrice] = v
	}
	if v, err := parsePrice(str(a["view_fee"])); err == nil && v > 0 {
		p[model.FieldOriginalPrice] = v
	}
	if nid != "" {
		p[model.FieldSourceURL] = taobaoItemURL + nid
	}
	return p
}

// GetProductReviews 抓取天猫评论接口，page 从 0 开始，对应接口的 currentPage=page+1。
func (t *Taobao) GetProductReviews(ctx context.Context, productID string, page int) ([]model.RawReview, error) {
	params := url.Values{}
	params.Set("itemId", productID)
	params.Set("currentPage", strconv.Itoa(page+1))
	params.Set("pageSize", strconv.Itoa(taobaoReviewPageSize))
	params.Set("sortType", "3")

	body, err := t.fetcher.Get(ctx, t.cfg.TaobaoReviewURL, params, map[string]string{"Referer": taobaoItemURL + productID})
	if err != nil {
		return nil, fail(t.logger, model.PlatformTaobao, "get_product_reviews", err)
	}
	payload := unwrapJSONP(body)
	if len(payload) == 0 {
		return nil, nil
	}
	var data struct {
		RateDetail struct {
			RateList []map[string]any `json:"rateList"`
		} `json:"rateDetail"`
	}
	if err := decodeJSON(payload, &data); err != nil {
		return nil, fail(t.logger, model.PlatformTaobao, "get_product_reviews", err)
	}

	reviews := make([]model.RawReview, 0, len(data.RateDetail.RateList))
	for _, item := range data.RateDetail.RateList {
		reviews = append(reviews, t.reviewRecord(productID, item))
	}
	return reviews, nil
}

func (t *Taobao) reviewRecord(productID string, item map[string]any) model.RawReview {
	r := model.RawReview{
		model.FieldPlatform:         model.PlatformTaobao,
		model.FieldProductID:        productID,
		model.FieldReviewID:         str(item["id"]),
		model.FieldUserName:         str(item["displayUserNick"]),
		model.FieldRating:           item["rate"],
		model.FieldContent:          str(item["rateContent"]),
		model.FieldHelpfulCount:     item["useful"],
		model.FieldReviewTime:       cnDate(str(item["rateDate"])),
		model.FieldVerifiedPurchase: item["goldUser"],
		model.FieldSpecifications:   str(item["auctionSku"]),
		model.FieldSourceURL:        taobaoItemURL + productID,
	}
	if level, err := strconv.ParseFloat(str(item["tamllSweetLevel"]), 64); err == nil {
		r[model.FieldIsTopReview] = level > 0
	}
	if pics, ok := item["pics"].([]any); ok {
		var images []string
		for _, pic := range pics {
			switch v := pic.(type) {
			case string:
				images = append(images, absURL(v))
			case map[string]any:
				if u := str(v["picUrl"]); u != "" {
					images = append(images, absURL(u))
				}
			}
		}
		if len(images) > 0 {
			r[model.FieldImages] = images
		}
	}
	if appendComment, ok := item["appendComment"].(map[string]any); ok {
		if c := str(appendComment["content"]); c != "" {
			r[model.FieldPros] = c
		}
	}
	return r
}

// GetProductDetails 解析商品详情页。
func (t *Taobao) GetProductDetails(ctx context.Context, productURL string) (model.RawProductDetail, error) {
	html, err := t.pages.Load(ctx, productURL)
	if err != nil {
		return nil, fail(t.logger, model.PlatformTaobao, "get_product_details", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fail(t.logger, model.PlatformTaobao, "get_product_details", fmt.Errorf("%w: %v", errParse, err))
	}
	base, err := url.Parse(productURL)
	if err != nil {
		return nil, fail(t.logger, model.PlatformTaobao, "get_product_details", err)
	}

	d := model.RawProductDetail{
		model.FieldPlatform:  model.PlatformTaobao,
		model.FieldSourceURL: productURL,
	}
	if id := base.Query().Get("id"); id != "" {
		d[model.FieldProductID] = id
	}
	if v := strings.TrimSpace(doc.Find("div.tb-detail-hd").First().Text()); v != "" {
		d[model.FieldTitle] = v
	}
	if v, err := parsePrice(doc.Find("em.tb-rmb-num").First().Text()); err == nil {
		d[model.FieldPrice] = v
	}
	if v := strings.TrimSpace(doc.Find(`li[data-property="品牌名"] .tb-property-cont`).First().Text()); v != "" {
		d[model.FieldBrand] = v
	}
	if v := strings.TrimSpace(doc.Find("div.tb-shop-name").First().Text()); v != "" {
		d[model.FieldShopName] = v
	}

	var images []string
	doc.Find(`img[id^="J_ImgBooth"]`).Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src == "" {
			return
		}
		if ref, err := url.Parse(src); err == nil {
			src = base.ResolveReference(ref).String()
		}
		images = append(images, src)
	})
	if len(images) > 0 {
		d[model.FieldImageURLs] = images
	}

	specs := map[string]any{}
	doc.Find("ul.tb-prop-list").Each(func(_ int, ul *goquery.Selection) {
		k := strings.TrimSpace(ul.Find("span.tb-property-type").First().Text())
		v := strings.TrimSpace(ul.Find("span.tb-property-cont").First().Text())
		if k != "" && v != "" {
			specs[k] = v
		}
	})
	if len(specs) > 0 {
		d[model.FieldSpecifications] = specs
	}
	return d, nil
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errParse, err)
	}
	return nil
}

// str 把 JSON 标量转为字符串，其他类型返回空串。
func str(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
