package repository

import (
	"github.com/ManuelReschke/Patronage/app/models"
	"gorm.io/gorm"
)

type membershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository creates a new membership repository instance
func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return &membershipRepository{db: db}
}

func (r *membershipRepository) GetByID(id uint) (*models.Membership, error) {
	var m models.Membership
	if err := r.db.First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *membershipRepository) ListByBuyer(buyerID uint) ([]models.Membership, error) {
	var list []models.Membership
	err := r.db.Where("buyer_id = ?", buyerID).Order("created_at DESC").Find(&list).Error
	return list, err
}
