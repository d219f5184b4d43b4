package postgres

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/duckgate/duckgate/internal/tenant"
)

func TestGetLimitsReturnsRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{
		"tenant_id", "catalog_url", "memory_limit", "threads", "max_connections", "max_concurrent_queries",
	}).AddRow("acme", "sqlite:/data/acme/catalog.sqlite", "4GB", 4, 10, 20)
	mock.ExpectQuery("SELECT tenant_id, catalog_url").WithArgs("acme").WillReturnRows(rows)

	store := NewStore(db)
	limits, err := store.GetLimits(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GetLimits() error = %v", err)
	}
	if limits.TenantID != "acme" {
		t.Fatalf("TenantID = %q", limits.TenantID)
	}
	if limits.CatalogURL != "sqlite:/data/acme/catalog.sqlite" {
		t.Fatalf("CatalogURL = %q", limits.CatalogURL)
	}
	if limits.MaxConnections != 10 {
		t.Fatalf("MaxConnections = %d", limits.MaxConnections)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetLimitsMissingTenant(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT tenant_id, catalog_url").WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{
		"tenant_id", "catalog_url", "memory_limit", "threads", "max_connections", "max_concurrent_queries",
	}))

	store := NewStore(db)
	if _, err := store.GetLimits(context.Background(), "ghost"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("GetLimits() error = %v, want ErrNotFound", err)
	}
}

func TestGetLimitsRequiresTenantID(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewStore(db)
	if _, err := store.GetLimits(context.Background(), ""); err == nil {
		t.Fatal("GetLimits(\"\") = nil, want error")
	}
}
