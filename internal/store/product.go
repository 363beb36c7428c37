package store

import (
	"context"
	"errors"
	"math"

	"gorm.io/gorm"

	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
	"github.com/lengmodkx/spider-mall/internal/validator"
)

// UpsertOutcome 描述一次 upsert 的结果。
type UpsertOutcome struct {
	Created      bool
	PriceChanged bool
}

// UpsertProduct 按 (product_id, platform) 插入或原地更新商品。
//
// 已存在时逐字段合并（仅覆盖传入的非空字段），并重新计算折扣率；
// 价格（按分比较）发生变化时追加一条 PriceHistory。合并与历史写入在同一事务内提交。
func (s *Store) UpsertProduct(ctx context.Context, p *model.Product) (UpsertOutcome, error) {
	var out UpsertOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Product
		err := tx.Where("product_id = ? AND platform = ?", p.ProductID, p.Platform).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out.Created = true
			return tx.Create(p).Error
		}
		if err != nil {
			return err
		}

		oldPrice := existing.Price
		mergeProduct(&existing, p)

		if p.Price != nil && !sameCents(oldPrice, p.Price) {
			out.PriceChanged = true
			history := model.PriceHistory{
				ProductID:     existing.ProductID,
				Platform:      existing.Platform,
				Price:         *existing.Price,
				OriginalPrice: existing.OriginalPrice,
				DiscountRate:  existing.DiscountRate,
				RecordedAt:    s.recordedAt(),
			}
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
		}

		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		*p = existing
		return nil
	})
	if err != nil {
		return UpsertOutcome{}, apperr.Persistence("store.upsert_product", err)
	}
	return out, nil
}

// mergeProduct 把 incoming 中提供的字段写入 dst。
// 空字符串、nil 指针、空集合与 0 计数视为未提供。
func mergeProduct(dst, incoming *model.Product) {
	mergeString(&dst.Title, incoming.Title)
	mergeString(&dst.Brand, incoming.Brand)
	mergeString(&dst.Category, incoming.Category)
	mergeString(&dst.ShopName, incoming.ShopName)
	mergeString(&dst.Location, incoming.Location)
	mergeString(&dst.Status, incoming.Status)
	mergeString(&dst.SourceURL, incoming.SourceURL)

	if incoming.Price != nil {
		dst.Price = incoming.Price
	}
	if incoming.OriginalPrice != nil {
		dst.OriginalPrice = incoming.OriginalPrice
	}
	if incoming.Rating != nil {
		dst.Rating = incoming.Rating
	}
	if incoming.SalesCount > 0 {
		dst.SalesCount = incoming.SalesCount
	}
	if incoming.ReviewCount > 0 {
		dst.ReviewCount = incoming.ReviewCount
	}
	if len(incoming.Images) > 0 {
		dst.Images = incoming.Images
	}
	if len(incoming.Tags) > 0 {
		dst.Tags = incoming.Tags
	}
	if len(incoming.Specifications) > 0 {
		dst.Specifications = incoming.Specifications
	}

	switch {
	case dst.Price != nil && dst.OriginalPrice != nil:
		dst.DiscountRate = validator.DiscountRate(dst.Price, dst.OriginalPrice)
	case incoming.DiscountRate != nil:
		dst.DiscountRate = incoming.DiscountRate
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func sameCents(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Round(*a*100) == math.Round(*b*100)
}

// GetProduct 按 (product_id, platform) 查询商品。
func (s *Store) GetProduct(ctx context.Context, productID, platform string) (*model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).Where("product_id = ? AND platform = ?", productID, platform).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Persistence("store.get_product", ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Persistence("store.get_product", err)
	}
	return &p, nil
}

// PriceHistory 返回商品的价格历史（按记录时间升序）。
func (s *Store) PriceHistory(ctx context.Context, productID, platform string) ([]model.PriceHistory, error) {
	var rows []model.PriceHistory
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND platform = ?", productID, platform).
		Order("recorded_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Persistence("store.price_history", err)
	}
	return rows, nil
}
