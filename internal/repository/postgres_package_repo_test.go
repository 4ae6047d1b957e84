package repository

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var packageRowColumns = []string{"id", "title", "image", "cycle", "available", "price", "original_price", "discount", "daily", "total"}

// PostgresPackageRepoはPackageRepositoryインターフェースを満たすことを検証
func TestPostgresPackageRepo_ImplementsInterface(t *testing.T) {
	var _ PackageRepository = (*PostgresPackageRepo)(nil)
}

func TestPostgresPackageRepo_LoadPackages(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := NewPostgresPackageRepo(db)
	ctx := context.Background()
	query := regexp.QuoteMeta(`SELECT ` + packageColumns + ` FROM packages WHERE active = true ORDER BY position, id`)

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(query).
			WillReturnRows(sqlmock.NewRows(packageRowColumns).
				AddRow("basic-starter-package", "Basic Starter Package", "/assets/powerwall.jpg", "7 Days", 15, "500.00", "600.00", "17% OFF", "25.00", "175.00").
				AddRow("custom", "Custom", "", "5 Days", 1, "750.50", nil, nil, "10.00", "50.00"))

		pkgs, err := repo.LoadPackages(ctx)
		assert.NoError(t, err)
		assert.Len(t, pkgs, 2)

		first := pkgs[0]
		assert.Equal(t, "Basic Starter Package", first.Title)
		assert.Equal(t, 15, first.Available)
		assert.True(t, first.Price.Equal(decimal.NewFromInt(500)))
		if assert.NotNil(t, first.OriginalPrice) {
			assert.True(t, first.OriginalPrice.Equal(decimal.NewFromInt(600)))
		}
		assert.Equal(t, "17% OFF", first.Discount)
		assert.True(t, first.Total.Equal(decimal.NewFromInt(175)))

		second := pkgs[1]
		assert.Nil(t, second.OriginalPrice)
		assert.Empty(t, second.Discount)
		assert.True(t, second.Price.Equal(decimal.RequireFromString("750.5")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Empty", func(t *testing.T) {
		mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows(packageRowColumns))

		pkgs, err := repo.LoadPackages(ctx)
		assert.NoError(t, err)
		assert.Empty(t, pkgs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectQuery(query).WillReturnError(fmt.Errorf("database error"))

		pkgs, err := repo.LoadPackages(ctx)
		assert.Nil(t, pkgs)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "パッケージ一覧の取得に失敗しました")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ScanError", func(t *testing.T) {
		mock.ExpectQuery(query).
			WillReturnRows(sqlmock.NewRows(packageRowColumns).
				AddRow("bad", "Bad", "", "7 Days", 1, "not-a-number", nil, nil, "1", "1"))

		pkgs, err := repo.LoadPackages(ctx)
		assert.Nil(t, pkgs)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RowError", func(t *testing.T) {
		mock.ExpectQuery(query).
			WillReturnRows(sqlmock.NewRows(packageRowColumns).
				AddRow("a", "A", "", "7 Days", 1, "1", nil, nil, "1", "1").
				RowError(0, fmt.Errorf("connection reset")))

		_, err := repo.LoadPackages(ctx)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
