package repository

import (
	"github.com/ManuelReschke/Patronage/app/models"
	"gorm.io/gorm"
)

type productRepository struct {
	db *gorm.DB
}

// NewProductRepository creates a new product repository instance
func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepository{db: db}
}

func (r *productRepository) GetByID(id uint) (*models.Product, error) {
	var product models.Product
	if err := r.db.Preload("Creator").First(&product, id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *productRepository) ListByCreator(creatorID uint) ([]models.Product, error) {
	var products []models.Product
	err := r.db.Where("creator_id = ? AND is_active = ?", creatorID, true).
		Order("id ASC").
		Find(&products).Error
	return products, err
}
