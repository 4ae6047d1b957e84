// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/investdesk/internal/model"
)

// PackageRepository は投資パッケージの価格表の永続化インターフェース。
// catalog.Sourceとしても使用される。
type PackageRepository interface {
	// LoadPackages は公開中のパッケージを表示順で取得する。
	LoadPackages(ctx context.Context) ([]model.Package, error)
}
