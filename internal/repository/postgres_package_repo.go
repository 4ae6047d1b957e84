package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/investdesk/internal/model"
)

const packageColumns = `id, title, image, cycle, available, price, original_price, discount, daily, total`

// PostgresPackageRepo はPostgreSQLを使用したパッケージリポジトリ。
type PostgresPackageRepo struct {
	db *sql.DB
}

// NewPostgresPackageRepo はPostgresPackageRepoを生成する。
func NewPostgresPackageRepo(db *sql.DB) *PostgresPackageRepo {
	return &PostgresPackageRepo{db: db}
}

// LoadPackages は公開中のパッケージを表示順で取得する。
func (r *PostgresPackageRepo) LoadPackages(ctx context.Context) ([]model.Package, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE active = true ORDER BY position, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("パッケージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var pkgs []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("パッケージのスキャンに失敗しました: %w", err)
		}
		pkgs = append(pkgs, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("パッケージ一覧の読み込みに失敗しました: %w", err)
	}
	return pkgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(s rowScanner) (*model.Package, error) {
	p := &model.Package{}
	var originalPrice decimal.NullDecimal
	var discount sql.NullString

	if err := s.Scan(
		&p.ID, &p.Title, &p.Image, &p.Cycle, &p.Available,
		&p.Price, &originalPrice, &discount, &p.Daily, &p.Total,
	); err != nil {
		return nil, err
	}

	if originalPrice.Valid {
		op := originalPrice.Decimal
		p.OriginalPrice = &op
	}
	p.Discount = nullStringValue(discount)
	return p, nil
}

// nullStringValue はsql.NullStringから文字列値を取得する。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
