package repository

import (
	"github.com/ManuelReschke/Patronage/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	TouchAPIKeyUsage(settingsID uint) error
	Update(user *models.User) error
	CountGhosts() (int64, error)
}

// ProductRepository defines read access to products. Product CRUD is owned
// by the catalog service.
type ProductRepository interface {
	GetByID(id uint) (*models.Product, error)
	ListByCreator(creatorID uint) ([]models.Product, error)
}

// MembershipRepository defines read access to memberships for API handlers.
type MembershipRepository interface {
	GetByID(id uint) (*models.Membership, error)
	ListByBuyer(buyerID uint) ([]models.Membership, error)
}

// OrderRepository defines read access to orders for API handlers.
type OrderRepository interface {
	GetByID(id uint) (*models.Order, error)
	GetByCheckoutSessionRef(ref string) (*models.Order, error)
	ListByBuyer(buyerID uint, offset, limit int) ([]models.Order, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User       UserRepository
	Product    ProductRepository
	Membership MembershipRepository
	Order      OrderRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:       NewUserRepository(db),
		Product:    NewProductRepository(db),
		Membership: NewMembershipRepository(db),
		Order:      NewOrderRepository(db),
	}
}
