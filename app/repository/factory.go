package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory lazily builds the repositories for one storage handle.
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns the shared repositories instance
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

func (f *Factory) GetOrderRepository() OrderRepository {
	return f.GetRepositories().Order
}

func (f *Factory) GetVPNCredentialRepository() VPNCredentialRepository {
	return f.GetRepositories().VPNCredential
}

func (f *Factory) GetPaymentEventRepository() PaymentEventRepository {
	return f.GetRepositories().PaymentEvent
}
