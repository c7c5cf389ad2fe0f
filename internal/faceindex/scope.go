package faceindex

import (
	"fmt"
	"strings"

	"github.com/kozaktomas/face-finder/internal/blobstore"
)

// Scope identifies one isolated partition: a tenant's collection.
type Scope struct {
	Tenant     string `json:"tenant"`
	Collection string `json:"collection"`
}

// NewScope validates and returns a scope.
func NewScope(tenant, collection string) (Scope, error) {
	s := Scope{Tenant: tenant, Collection: collection}
	return s, s.Validate()
}

// Validate rejects empty components and components that are not safe path segments.
func (s Scope) Validate() error {
	if s.Tenant == "" || s.Collection == "" {
		return ErrScopeNotSet
	}
	if err := validComponent(s.Tenant); err != nil {
		return fmt.Errorf("tenant: %w", err)
	}
	if err := validComponent(s.Collection); err != nil {
		return fmt.Errorf("collection: %w", err)
	}
	return nil
}

// ValidateTenant checks a tenant id on its own.
func ValidateTenant(tenant string) error {
	if tenant == "" {
		return ErrScopeNotSet
	}
	return validComponent(tenant)
}

func validComponent(v string) error {
	if v == "." || v == ".." || strings.ContainsAny(v, "/\\") || strings.ContainsRune(v, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, v)
	}
	return nil
}

func (s Scope) String() string {
	return s.Tenant + "/" + s.Collection
}

func (s Scope) partitionKey() string {
	return blobstore.Join(partitionPrefix, s.Tenant, s.Collection, partitionFile)
}

func (s Scope) metaKey() string {
	return blobstore.Join(partitionPrefix, s.Tenant, s.Collection, metaFile)
}

func tenantPrefix(tenant string) string {
	return partitionPrefix + "/" + tenant + "/"
}
