package store

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
)

// InsertReviewIfAbsent 按 review_id 幂等写入评论，已存在时不做任何修改。
//
// 返回值:
//
//	bool: 本次是否实际写入
//	error: 存储失败
func (s *Store) InsertReviewIfAbsent(ctx context.Context, r *model.Review) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "review_id"}},
		DoNothing: true,
	}).Create(r)
	if res.Error != nil {
		return false, apperr.Persistence("store.insert_review", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CountReviews 统计某商品已入库的评论数。
func (s *Store) CountReviews(ctx context.Context, productID, platform string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Review{}).
		Where("product_id = ? AND platform = ?", productID, platform).
		Count(&n).Error
	if err != nil {
		return 0, apperr.Persistence("store.count_reviews", err)
	}
	return n, nil
}
