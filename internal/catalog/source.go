package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hitoshi/investdesk/internal/model"
)

//go:embed packages.json
var defaultPackages []byte

// EmbeddedSource はバイナリに埋め込まれた既定の価格表を読み込む。
type EmbeddedSource struct{}

// LoadPackages はSourceを実装する。
func (EmbeddedSource) LoadPackages(ctx context.Context) ([]model.Package, error) {
	return decodePackages(bytes.NewReader(defaultPackages))
}

// FileSource は外部のJSONファイルから価格表を読み込む。
type FileSource struct {
	Path string
}

// LoadPackages はSourceを実装する。
func (s FileSource) LoadPackages(ctx context.Context) ([]model.Package, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	defer f.Close()
	return decodePackages(f)
}

func decodePackages(r io.Reader) ([]model.Package, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var pkgs []model.Package
	if err := dec.Decode(&pkgs); err != nil {
		return nil, fmt.Errorf("decode packages: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("decode packages: empty list")
	}
	return pkgs, nil
}
