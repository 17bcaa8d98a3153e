// Package database provides database.Client wrappers for integration tests.
package database

import (
	"testing"

	"github.com/grantstream-io/grantstream/pkg/database"
	"github.com/grantstream-io/grantstream/test/util"
)

// NewTestClient creates a fully wired *database.Client on a per-test schema.
// The schema is dropped and all connections closed via t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	entClient, db := util.SetupTestDatabase(t)
	return database.NewClientFromEnt(entClient, db)
}
