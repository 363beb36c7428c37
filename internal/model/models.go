package model

import (
	"time"

	"gorm.io/datatypes"
)

// 平台标识。
const (
	PlatformTaobao = "taobao"
	PlatformJD     = "jd"
	PlatformAll    = "all" // 仅用于 CrawlTask.Platform，表示覆盖全部平台的每日任务
)

// Platforms 返回已知平台列表（每日任务按此顺序依次抓取）。
func Platforms() []string {
	return []string{PlatformTaobao, PlatformJD}
}

// IsKnownPlatform 判断平台是否受支持。
func IsKnownPlatform(p string) bool {
	return p == PlatformTaobao || p == PlatformJD
}

// 商品状态。
const (
	ProductActive   = "active"
	ProductInactive = "inactive"
	ProductDeleted  = "deleted"
)

// 任务状态。running 是唯一的非终态。
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// IsTerminalStatus 判断任务状态是否为终态。
func IsTerminalStatus(s string) bool {
	return s == TaskCompleted || s == TaskFailed
}

// Product 表示从电商平台抓取到的商品。
//
// (ProductID, Platform) 唯一；重复抓取时原地更新，价格变化时追加 PriceHistory。
// 可选数值字段使用指针，nil 表示“未提供”，与 0 区分。
type Product struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time

	ProductID     string   `gorm:"type:varchar(100);not null;uniqueIndex:idx_product_platform"` // 平台商品 ID（或生成的哈希 ID）
	Platform      string   `gorm:"type:varchar(20);not null;uniqueIndex:idx_product_platform;index"`
	Title         string   `gorm:"type:text;not null"`
	Brand         string   `gorm:"type:varchar(100);index"`
	Price         *float64 `gorm:"type:decimal(10,2)"`
	OriginalPrice *float64 `gorm:"type:decimal(10,2)"`
	DiscountRate  *float64 `gorm:"type:decimal(5,2)"` // 派生字段，见 validator.DiscountRate
	SalesCount    int      `gorm:"default:0"`
	ReviewCount   int      `gorm:"default:0"`
	Rating        *float64 `gorm:"type:decimal(3,2)"`
	Category      string   `gorm:"type:varchar(100);index"`

	Images         datatypes.JSONSlice[string] `gorm:"type:json"`
	Specifications datatypes.JSONMap           `gorm:"type:json"`
	ShopName       string                      `gorm:"type:varchar(200)"`
	Location       string                      `gorm:"type:varchar(100)"`
	Tags           datatypes.JSONSlice[string] `gorm:"type:json"`
	Status         string                      `gorm:"type:varchar(20);default:active"`
	SourceURL      string                      `gorm:"type:varchar(1000)"`
}

// PriceHistory 价格历史，仅追加。
type PriceHistory struct {
	ID            uint     `gorm:"primaryKey"`
	ProductID     string   `gorm:"type:varchar(100);not null;index:idx_history_product"`
	Platform      string   `gorm:"type:varchar(20);not null;index:idx_history_product"`
	Price         float64  `gorm:"type:decimal(10,2);not null"`
	OriginalPrice *float64 `gorm:"type:decimal(10,2)"`
	DiscountRate  *float64 `gorm:"type:decimal(5,2)"`
	RecordedAt    time.Time
}

// TableName 保持与历史库表名一致。
func (PriceHistory) TableName() string {
	return "price_history"
}

// Review 商品评论。ReviewID 全局唯一（跨平台），写入后不再更新。
type Review struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	ReviewID         string                      `gorm:"type:varchar(100);not null;uniqueIndex"`
	ProductID        string                      `gorm:"type:varchar(100);not null;index"`
	Platform         string                      `gorm:"type:varchar(20);not null;index"`
	UserName         string                      `gorm:"type:varchar(100)"` // 已脱敏
	UserLevel        string                      `gorm:"type:varchar(50)"`
	Rating           int                         `gorm:"not null;index"` // 1-5
	Content          string                      `gorm:"type:text"`
	Pros             string                      `gorm:"type:text"`
	Cons             string                      `gorm:"type:text"`
	Images           datatypes.JSONSlice[string] `gorm:"type:json"`
	HelpfulCount     int                         `gorm:"default:0"`
	ReplyCount       int                         `gorm:"default:0"`
	PurchaseTime     *time.Time
	ReviewTime       *time.Time `gorm:"index"`
	Specifications   string     `gorm:"type:text"` // 购买规格（颜色、尺码等）
	VerifiedPurchase bool       `gorm:"default:false"`
	IsTopReview      bool       `gorm:"default:false"`
	SentimentScore   float64    `gorm:"type:decimal(3,2)"` // [-1, 1]
	Keywords         datatypes.JSONSlice[string] `gorm:"type:json"`
	SourceURL        string                      `gorm:"type:varchar(1000)"`
}

// CrawlTask 一次抓取任务的执行记录。
//
// 生命周期: running -> completed | failed。重试不会复活终态任务，而是新建同名记录。
type CrawlTask struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`

	TaskName        string                      `gorm:"type:varchar(100);not null"`
	Platform        string                      `gorm:"type:varchar(20);not null;index"`
	Category        string                      `gorm:"type:varchar(100)"`
	Status          string                      `gorm:"type:varchar(20);default:running;index"`
	ProductsFound   int                         `gorm:"default:0"`
	ReviewsFound    int                         `gorm:"default:0"`
	ErrorsCount     int                         `gorm:"default:0"`
	ErrorMessages   datatypes.JSONSlice[string] `gorm:"type:json"`
	StartTime       time.Time                   `gorm:"not null"`
	EndTime         *time.Time
	DurationSeconds *int
}

// AllModels 返回需要迁移的全部模型。
func AllModels() []any {
	return []any{&Product{}, &PriceHistory{}, &Review{}, &CrawlTask{}}
}
