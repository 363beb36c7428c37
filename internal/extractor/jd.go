package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/model"
)

const (
	jdPageSize       = 30
	jdReviewPageSize = 10
)

// JD 京东抓取实现：搜索页与详情页为 HTML，价格与评论为 JSON/JSONP 接口。
type JD struct {
	cfg     config.PlatformConfig
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewJD 创建京东 Extractor。
//
// 参数:
//
//	cfg: 平台地址配置，测试时可指向 httptest 服务
//	fetcher: HTTP 客户端
//	logger: 日志记录器
func NewJD(cfg config.PlatformConfig, fetcher *Fetcher, logger *slog.Logger) *JD {
	return &JD{cfg: cfg, fetcher: fetcher, logger: logger.With(slog.String("platform", model.PlatformJD))}
}

func (j *JD) Platform() string { return model.PlatformJD }

// SearchProducts 抓取搜索结果页并批量补全实时价格。
func (j *JD) SearchProducts(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("keyword", category)
	params.Set("page", strconv.Itoa(page))
	params.Set("psort", "3")
	params.Set("click", "0")
	params.Set("s", strconv.Itoa((page-1)*jdPageSize+1))
	params.Set("scrolling", "y")

	body, err := j.fetcher.Get(ctx, j.cfg.JDSearchURL, params, map[string]string{"Referer": "https://www.jd.com/"})
	if err != nil {
		return nil, fail(j.logger, model.PlatformJD, "search_products", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fail(j.logger, model.PlatformJD, "search_products", fmt.Errorf("%w: %v", errParse, err))
	}

	var products []model.RawProduct
	doc.Find("li.gl-item").Each(func(_ int, item *goquery.Selection) {
		if p := j.parseSearchItem(item, category); p != nil {
			products = append(products, p)
		}
	})

	if len(products) > 0 {
		j.fillPrices(ctx, products)
	}
	j.logger.Info("search page parsed",
		slog.String("category", category),
		slog.Int("page", page),
		slog.Int("products", len(products)))
	return products, nil
}

func (j *JD) parseSearchItem(item *goquery.Selection, category string) model.RawProduct {
	sku := strings.TrimSpace(item.AttrOr("data-sku", ""))
	name := item.Find("div.p-name").First()
	link := name.Find("a").First()
	title := strings.TrimSpace(link.AttrOr("title", ""))
	if title == "" {
		title = strings.TrimSpace(link.Text())
	}
	if sku == "" && title == "" {
		return nil
	}

	p := model.RawProduct{
		model.FieldPlatform:  model.PlatformJD,
		model.FieldProductID: sku,
		model.FieldTitle:     title,
		model.FieldBrand:     leadingBrand(name.Text()),
		model.FieldShopName:  strings.TrimSpace(item.Find("div.p-shop a").First().Text()),
		model.FieldCategory:  category,
	}
	img := item.Find("div.p-img img").First()
	src := img.AttrOr("src", "")
	if src == "" {
		src = img.AttrOr("data-lazy-img", "")
	}
	if src != "" {
		p[model.FieldImageURL] = absURL(strings.Replace(src, "/n9/", "/n1/", 1))
	}
	if sku != "" {
		p[model.FieldSourceURL] = j.itemURL(sku)
	}
	return p
}

type jdPrice struct {
	ID string `json:"id"`
	P  string `json:"p"`
	OP string `json:"op"`
	M  string `json:"m"`
}

// fillPrices 一次请求查询整页 SKU 的价格；失败只记录日志，价格保持缺失。
func (j *JD) fillPrices(ctx context.Context, products []model.RawProduct) {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		if sku := p.String(model.FieldProductID); sku != "" {
			ids = append(ids, "J_"+sku)
		}
	}
	if len(ids) == 0 {
		return
	}
	params := url.Values{}
	params.Set("skuIds", strings.Join(ids, ","))
	params.Set("type", "1")

	body, err := j.fetcher.Get(ctx, j.cfg.JDPriceURL, params, nil)
	if err != nil {
		j.logger.Warn("price lookup failed", slog.Int("skus", len(ids)), slog.String("error", err.Error()))
		return
	}
	var prices []jdPrice
	if err := json.Unmarshal(unwrapJSONP(body), &prices); err != nil {
		j.logger.Warn("price response malformed", slog.String("error", err.Error()))
		return
	}

	bySku := make(map[string]jdPrice, len(prices))
	for _, pr := range prices {
		bySku[strings.TrimPrefix(pr.ID, "J_")] = pr
	}
	for _, p := range products {
		pr, ok := bySku[p.String(model.FieldProductID)]
		if !ok {
			continue
		}
		if v, err := parsePrice(pr.P); err == nil && v >= 0 {
			p[model.FieldPrice] = v
		}
		orig := pr.OP
		if orig == "" {
			orig = pr.M
		}
		if v, err := parsePrice(orig); err == nil && v > 0 {
			p[model.FieldOriginalPrice] = v
		}
	}
}

type jdReviewPage struct {
	Comments []jdComment `json:"comments"`
}

type jdComment struct {
	ID              json.Number `json:"id"`
	Nickname        string      `json:"nickname"`
	UserLevelName   string      `json:"userLevelName"`
	Score           json.Number `json:"score"`
	Content         string      `json:"content"`
	Good            string      `json:"good"`
	Bad             string      `json:"bad"`
	UsefulVoteCount int         `json:"usefulVoteCount"`
	ReplyCount      int         `json:"replyCount"`
	CreationTime    string      `json:"creationTime"`
	ReferenceTime   string      `json:"referenceTime"`
	IsMobile        bool        `json:"isMobile"`
	IsTop           bool        `json:"isTop"`
	ProductColor    string      `json:"productColor"`
	ProductSize     string      `json:"productSize"`
	Images          []struct {
		ImgURL string `json:"imgUrl"`
	} `json:"images"`
}

// GetProductReviews 抓取评论接口的第 page 页（从 0 开始，每页 10 条）。
func (j *JD) GetProductReviews(ctx context.Context, productID string, page int) ([]model.RawReview, error) {
	params := url.Values{}
	params.Set("productId", productID)
	params.Set("score", "0")
	params.Set("sortType", "5")
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(jdReviewPageSize))
	params.Set("callback", "fetchJSON_comment98")

	body, err := j.fetcher.Get(ctx, j.cfg.JDReviewURL, params, map[string]string{"Referer": j.itemURL(productID)})
	if err != nil {
		return nil, fail(j.logger, model.PlatformJD, "get_product_reviews", err)
	}
	payload := unwrapJSONP(body)
	if len(payload) == 0 {
		return nil, nil
	}
	var data jdReviewPage
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fail(j.logger, model.PlatformJD, "get_product_reviews", fmt.Errorf("%w: %v", errParse, err))
	}

	reviews := make([]model.RawReview, 0, len(data.Comments))
	for _, c := range data.Comments {
		reviews = append(reviews, j.reviewRecord(productID, c))
	}
	return reviews, nil
}

func (j *JD) reviewRecord(productID string, c jdComment) model.RawReview {
	r := model.RawReview{
		model.FieldPlatform:         model.PlatformJD,
		model.FieldProductID:        productID,
		model.FieldReviewID:         c.ID.String(),
		model.FieldUserName:         c.Nickname,
		model.FieldUserLevel:        c.UserLevelName,
		model.FieldRating:           c.Score.String(),
		model.FieldContent:          c.Content,
		model.FieldPros:             c.Good,
		model.FieldCons:             c.Bad,
		model.FieldHelpfulCount:     c.UsefulVoteCount,
		model.FieldReplyCount:       c.ReplyCount,
		model.FieldReviewTime:       c.CreationTime,
		model.FieldVerifiedPurchase: c.IsMobile,
		model.FieldIsTopReview:      c.IsTop,
		model.FieldSourceURL:        j.itemURL(productID) + "#comment",
	}
	if c.ReferenceTime != "" {
		r[model.FieldPurchaseTime] = c.ReferenceTime
	}
	var specs []string
	if c.ProductColor != "" {
		specs = append(specs, "颜色: "+c.ProductColor)
	}
	if c.ProductSize != "" {
		specs = append(specs, "尺码: "+c.ProductSize)
	}
	if len(specs) > 0 {
		r[model.FieldSpecifications] = strings.Join(specs, "; ")
	}
	var images []string
	for _, img := range c.Images {
		if img.ImgURL != "" {
			images = append(images, absURL(img.ImgURL))
		}
	}
	if len(images) > 0 {
		r[model.FieldImages] = images
	}
	return r
}

// GetProductDetails 解析商品详情页，并用评论汇总接口补全评论数与评分。
func (j *JD) GetProductDetails(ctx context.Context, productURL string) (model.RawProductDetail, error) {
	body, err := j.fetcher.Get(ctx, productURL, nil, map[string]string{"Referer": "https://www.jd.com/"})
	if err != nil {
		return nil, fail(j.logger, model.PlatformJD, "get_product_details", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fail(j.logger, model.PlatformJD, "get_product_details", fmt.Errorf("%w: %v", errParse, err))
	}

	base, err := url.Parse(productURL)
	if err != nil {
		return nil, fail(j.logger, model.PlatformJD, "get_product_details", err)
	}
	sku := strings.TrimSuffix(path.Base(base.Path), ".html")
	d := model.RawProductDetail{
		model.FieldPlatform:  model.PlatformJD,
		model.FieldProductID: sku,
		model.FieldSourceURL: productURL,
	}
	if v := strings.TrimSpace(doc.Find("div.sku-name").First().Text()); v != "" {
		d[model.FieldTitle] = v
	}
	if v := strings.TrimSpace(doc.Find("ul#parameter-brand a").First().Text()); v != "" {
		d[model.FieldBrand] = v
	}
	if v := strings.TrimSpace(doc.Find("div.J-hove-wrap div.name").First().Text()); v != "" {
		d[model.FieldShopName] = v
	}

	var images []string
	doc.Find("ul#spec-list img").Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-origin", "")
		}
		if src == "" {
			return
		}
		src = strings.Replace(src, "/n5/", "/n1/", 1)
		if ref, err := url.Parse(src); err == nil {
			src = base.ResolveReference(ref).String()
		}
		images = append(images, src)
	})
	if len(images) > 0 {
		d[model.FieldImageURLs] = images
	}

	specs := map[string]any{}
	doc.Find("li.parameter").Each(func(_ int, li *goquery.Selection) {
		k, v, ok := strings.Cut(li.Text(), ":")
		if !ok {
			k, v, ok = strings.Cut(li.Text(), "：")
		}
		if ok && strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			specs[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	})
	doc.Find("table.Ptable tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() < 2 {
			return
		}
		k := strings.TrimSpace(cells.Eq(0).Text())
		v := strings.TrimSpace(cells.Eq(1).Text())
		if k != "" && v != "" {
			specs[k] = v
		}
	})
	if len(specs) > 0 {
		d[model.FieldSpecifications] = specs
	}

	if sku != "" {
		j.fillSummary(ctx, sku, d)
	}
	return d, nil
}

type jdSummary struct {
	CommentsCount []struct {
		CommentCount int     `json:"CommentCount"`
		AverageScore float64 `json:"AverageScore"`
		GoodRate     float64 `json:"GoodRate"`
	} `json:"CommentsCount"`
}

// fillSummary 评论汇总失败不影响详情结果。
func (j *JD) fillSummary(ctx context.Context, sku string, d model.RawProductDetail) {
	params := url.Values{}
	params.Set("referenceIds", sku)
	params.Set("referenceType", "0")
	params.Set("callback", "jQuery1234567890")

	body, err := j.fetcher.Get(ctx, j.cfg.JDSummaryURL, params, nil)
	if err != nil {
		j.logger.Warn("comment summary failed", slog.String("sku", sku), slog.String("error", err.Error()))
		return
	}
	var s jdSummary
	if err := json.Unmarshal(unwrapJSONP(body), &s); err != nil || len(s.CommentsCount) == 0 {
		return
	}
	c := s.CommentsCount[0]
	d[model.FieldReviewCount] = c.CommentCount
	d[model.FieldRating] = c.AverageScore
	if c.CommentCount > 0 {
		// 京东不公开销量，以好评数近似
		d[model.FieldSalesCount] = int(c.GoodRate * float64(c.CommentCount) / 100)
	}
}

func (j *JD) itemURL(sku string) string {
	return strings.TrimRight(j.cfg.JDItemURL, "/") + "/" + sku + ".html"
}
