package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_CREATOR    = "creator"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// ghostPasswordPrefix marks a credential that is not a bcrypt hash. bcrypt
// rejects it as malformed, so a ghost account can never log in with a password.
const ghostPasswordPrefix = "!ghost:"

type User struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Name             string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email            string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Password         string         `gorm:"type:text" json:"-" validate:"required,min=6"`
	Role             string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user creator admin"`
	Status           string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	IsGhost          bool           `gorm:"default:false;index" json:"is_ghost"`
	StripeCustomerID *string        `gorm:"type:varchar(191);uniqueIndex" json:"-"`
	PayoutsEligible  bool           `gorm:"default:false" json:"payouts_eligible"`
	LastLoginAt      *time.Time     `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// NewGhostUser builds a placeholder account for a guest buyer. The returned
// user holds a random non-bcrypt credential and stays a ghost until claimed.
func NewGhostUser(email string) (*User, error) {
	sentinel, err := ghostSentinel()
	if err != nil {
		return nil, err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	name := email
	if at := strings.Index(email, "@"); at > 0 {
		name = email[:at]
	}

	return &User{
		Name:     name,
		Email:    email,
		Password: sentinel,
		Role:     ROLE_USER,
		Status:   STATUS_ACTIVE,
		IsGhost:  true,
	}, nil
}

func ghostSentinel() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return ghostPasswordPrefix + hex.EncodeToString(b), nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	if strings.HasPrefix(hash, ghostPasswordPrefix) {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// HasUsableCredential reports whether the stored password can ever authenticate.
func (u *User) HasUsableCredential() bool {
	return !u.IsGhost && !strings.HasPrefix(u.Password, ghostPasswordPrefix)
}

// CheckPassword verifies if the provided password matches the user's stored password
func (u *User) CheckPassword(password string) bool {
	if !u.HasUsableCredential() {
		return false
	}
	return CheckPasswordHash(password, u.Password)
}

// SetPassword hashes and sets a new password for the user
func (u *User) SetPassword(password string) error {
	hashedPassword, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.Password = hashedPassword
	return nil
}
