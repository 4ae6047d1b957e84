package catalog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/investdesk/internal/model"
)

// --- モック定義 ---

type mockSource struct {
	loadFn func(ctx context.Context) ([]model.Package, error)
}

func (m *mockSource) LoadPackages(ctx context.Context) ([]model.Package, error) {
	return m.loadFn(ctx)
}

func testPackage(id, title string, price int64, cycle string) model.Package {
	return model.Package{
		ID:    id,
		Title: title,
		Cycle: cycle,
		Price: decimal.NewFromInt(price),
		Daily: decimal.NewFromInt(price / 20),
		Total: decimal.NewFromInt(price / 20 * 7),
	}
}

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil))
}

// --- EmbeddedSource ---

func TestEmbeddedSource_LoadsDefaultPriceList(t *testing.T) {
	c, err := Load(context.Background(), EmbeddedSource{}, newTestLogger())
	if err != nil {
		t.Fatalf("埋め込み価格表の読み込みに失敗: %v", err)
	}

	pkgs := c.List()
	if len(pkgs) != 10 {
		t.Fatalf("パッケージ数 = %d, want 10", len(pkgs))
	}
	first := pkgs[0]
	if first.Title != "Basic Starter Package" {
		t.Errorf("先頭のタイトル = %q", first.Title)
	}
	if first.Cycle != "7 Days" || !first.Price.Equal(decimal.NewFromInt(500)) {
		t.Errorf("先頭のパッケージ = %+v", first)
	}
	if !first.Daily.Equal(decimal.NewFromInt(25)) || !first.Total.Equal(decimal.NewFromInt(175)) {
		t.Errorf("配当 = %s/%s, want 25/175", first.Daily, first.Total)
	}
	for _, p := range pkgs {
		if p.Discount != "17% OFF" {
			t.Errorf("%s: Discount = %q", p.ID, p.Discount)
		}
		if p.OriginalPrice == nil || !p.OriginalPrice.GreaterThan(p.Price) {
			t.Errorf("%s: OriginalPrice = %v, 価格より大きいべき", p.ID, p.OriginalPrice)
		}
	}
	if last := pkgs[9]; last.Title != "Next-Gen Vehicle Platform" || !last.Total.Equal(decimal.NewFromInt(90000)) {
		t.Errorf("末尾のパッケージ = %+v", last)
	}
}

// --- FileSource ---

func TestFileSource_LoadsExternalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.json")
	body := `[{"id":"p1","title":"Custom","image":"","cycle":"5 Days","available":1,"price":"750.50","daily":"10","total":"50"}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	pkgs, err := FileSource{Path: path}.LoadPackages(context.Background())
	if err != nil {
		t.Fatalf("読み込みに失敗: %v", err)
	}
	if len(pkgs) != 1 || !pkgs[0].Price.Equal(decimal.RequireFromString("750.50")) {
		t.Errorf("pkgs = %+v", pkgs)
	}
	if pkgs[0].OriginalPrice != nil {
		t.Error("original_price 未指定ならnilであるべき")
	}
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"存在しないファイル", filepath.Join(dir, "missing.json")},
		{"不正なJSON", write("broken.json", `[{"id":`)},
		{"空の一覧", write("empty.json", `[]`)},
		{"未知のフィールド", write("unknown.json", `[{"id":"p1","title":"x","cycle":"7 Days","price":1,"daily":1,"total":1,"bogus":true}]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (FileSource{Path: tt.path}).LoadPackages(context.Background()); err == nil {
				t.Error("エラーが期待されたがnilが返された")
			}
		})
	}
}

// --- New ---

func TestNew_RejectsInvalidPackages(t *testing.T) {
	tests := []struct {
		name string
		pkgs []model.Package
	}{
		{"IDなし", []model.Package{testPackage("", "A", 100, "7 Days")}},
		{"ID重複", []model.Package{testPackage("a", "A", 100, "7 Days"), testPackage("a", "B", 100, "7 Days")}},
		{"タイトルなし", []model.Package{testPackage("a", " ", 100, "7 Days")}},
		{"価格0", []model.Package{testPackage("a", "A", 0, "7 Days")}},
		{"サイクル解釈不可", []model.Package{testPackage("a", "A", 100, "weekly")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.pkgs); err == nil {
				t.Error("エラーが期待されたがnilが返された")
			}
		})
	}
}

func TestLoad_SourceError(t *testing.T) {
	src := &mockSource{loadFn: func(ctx context.Context) ([]model.Package, error) {
		return nil, errors.New("db down")
	}}
	if _, err := Load(context.Background(), src, newTestLogger()); err == nil {
		t.Fatal("ソースのエラーが伝播されるべき")
	}
}

// --- List / Find ---

func TestList_ReturnsCopy(t *testing.T) {
	c, err := New([]model.Package{testPackage("a", "A", 100, "7 Days")})
	if err != nil {
		t.Fatal(err)
	}
	list := c.List()
	list[0].Title = "changed"

	if p, _ := c.Find("a"); p.Title != "A" {
		t.Errorf("List の戻り値の変更がカタログに影響した: %q", p.Title)
	}
}

func TestFind(t *testing.T) {
	c, err := New([]model.Package{
		testPackage("a", "A", 100, "7 Days"),
		testPackage("b", "B", 200, "14 Days"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if p, ok := c.Find("b"); !ok || p.Title != "B" {
		t.Errorf("Find(b) = %+v, %v", p, ok)
	}
	if _, ok := c.Find("zzz"); ok {
		t.Error("存在しないIDで見つかった")
	}
}

// --- SelectPackage ---

func TestSelectPackage_InvokesHandler(t *testing.T) {
	c, err := New([]model.Package{testPackage("ev", "Electric Vehicle Parts", 2000, "14 Days")})
	if err != nil {
		t.Fatal(err)
	}

	var got model.Selection
	err = c.SelectPackage(context.Background(), "ev", func(ctx context.Context, sel model.Selection) error {
		got = sel
		return nil
	})
	if err != nil {
		t.Fatalf("SelectPackage がエラーを返した: %v", err)
	}
	if got.Title != "Electric Vehicle Parts" || got.Cycle != "14 Days" || !got.Price.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("Selection = %+v", got)
	}
}

func TestSelectPackage_PropagatesHandlerError(t *testing.T) {
	c, _ := New([]model.Package{testPackage("a", "A", 100, "7 Days")})
	want := errors.New("handler failed")

	err := c.SelectPackage(context.Background(), "a", func(ctx context.Context, sel model.Selection) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestSelectPackage_UnknownID(t *testing.T) {
	c, _ := New([]model.Package{testPackage("a", "A", 100, "7 Days")})
	called := false

	err := c.SelectPackage(context.Background(), "missing", func(ctx context.Context, sel model.Selection) error {
		called = true
		return nil
	})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePackageNotFound {
		t.Errorf("err = %v, want PACKAGE_NOT_FOUND", err)
	}
	if called {
		t.Error("存在しないパッケージでhandlerを呼び出してはならない")
	}
}
