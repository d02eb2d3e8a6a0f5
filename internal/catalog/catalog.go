// Package catalog stores the configured accounts. It holds configuration
// only; trees are always listed from the stores.
package catalog

import (
	"fmt"
)

// Account types.
const (
	TypeGCS   = "gcs"
	TypeS3    = "s3"
	TypeLocal = "local"
)

// Account describes one remote store and the local folder it is mirrored
// into.
type Account struct {
	Id          int
	Name        string
	Description string
	// Type is one of TypeGCS, TypeS3 or TypeLocal.
	Type string
	// Location is the bucket, or the root folder for TypeLocal.
	Location  string
	LocalRoot string
	// Endpoint and Region are used by TypeS3.
	Endpoint string
	Region   string
	// KeyFile is a service account key for TypeGCS. Empty means the
	// application default credentials.
	KeyFile string
}

func (a Account) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("account has no name")
	}
	switch a.Type {
	case TypeGCS, TypeS3, TypeLocal:
	default:
		return fmt.Errorf("unknown account type %q", a.Type)
	}
	if a.Location == "" {
		return fmt.Errorf("account %s has no location", a.Name)
	}
	return nil
}

type Catalog interface {
	Accounts() ([]Account, error)
	Account(name string) (Account, error)
	AddAccount(a Account) (int, error)
	RemoveAccount(name string) error
}
