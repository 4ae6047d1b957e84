// Package catalog は購入可能な投資パッケージの一覧を提供する。
// 一覧は起動時に価格表ソースから1回だけ読み込み、以降は読み取り専用で扱う。
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/investdesk/internal/ledger"
	"github.com/hitoshi/investdesk/internal/model"
)

// Source はパッケージ一覧の読み込み元。
// 埋め込みJSON、外部JSONファイル、PostgreSQLのpackagesテーブルが実装する。
type Source interface {
	LoadPackages(ctx context.Context) ([]model.Package, error)
}

// SelectionHandler は選択されたパッケージを受け取る呼び出し側の処理。
// 未ログインならWhatsAppへの引き継ぎ、ログイン済みなら投資作成が渡される。
type SelectionHandler func(ctx context.Context, sel model.Selection) error

// Catalog は読み込み済みのパッケージ一覧を保持する。
type Catalog struct {
	packages []model.Package
	byID     map[string]int
}

// Load はソースからパッケージ一覧を読み込み、内容を検証してCatalogを生成する。
func Load(ctx context.Context, src Source, logger *slog.Logger) (*Catalog, error) {
	pkgs, err := src.LoadPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: load packages: %w", err)
	}
	c, err := New(pkgs)
	if err != nil {
		return nil, err
	}
	logger.Info("catalog loaded", slog.Int("packages", len(c.packages)))
	return c, nil
}

// New は与えられた一覧からCatalogを生成する。
// IDの重複、タイトルの欠落、0以下の価格、日数として解釈できないサイクルはエラーとする。
func New(pkgs []model.Package) (*Catalog, error) {
	c := &Catalog{
		packages: make([]model.Package, 0, len(pkgs)),
		byID:     make(map[string]int, len(pkgs)),
	}
	for i, p := range pkgs {
		p.ID = strings.TrimSpace(p.ID)
		p.Title = strings.TrimSpace(p.Title)
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: package #%d has no id", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate package id %q", p.ID)
		}
		if p.Title == "" {
			return nil, fmt.Errorf("catalog: package %q has no title", p.ID)
		}
		if !p.Price.IsPositive() {
			return nil, fmt.Errorf("catalog: package %q has non-positive price", p.ID)
		}
		if _, err := ledger.ParseCycleDays(p.Cycle); err != nil {
			return nil, fmt.Errorf("catalog: package %q: %w", p.ID, err)
		}
		c.byID[p.ID] = len(c.packages)
		c.packages = append(c.packages, p)
	}
	return c, nil
}

// List はパッケージ一覧のコピーを表示順で返す。
func (c *Catalog) List() []model.Package {
	out := make([]model.Package, len(c.packages))
	copy(out, c.packages)
	return out
}

// Find はIDでパッケージを検索する。
func (c *Catalog) Find(id string) (model.Package, bool) {
	i, ok := c.byID[id]
	if !ok {
		return model.Package{}, false
	}
	return c.packages[i], true
}

// SelectPackage は選択されたパッケージの情報でhandlerを呼び出す。
// カタログ自体は変更しない。
func (c *Catalog) SelectPackage(ctx context.Context, id string, handler SelectionHandler) error {
	p, ok := c.Find(id)
	if !ok {
		return model.NewPackageNotFoundError(id)
	}
	return handler(ctx, model.Selection{
		Title: p.Title,
		Price: p.Price,
		Cycle: p.Cycle,
	})
}
