package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/investdesk/internal/catalog"
	"github.com/hitoshi/investdesk/internal/handoff"
	"github.com/hitoshi/investdesk/internal/model"
)

// CatalogService はカタログハンドラーが必要とするインターフェース。
// catalog.Catalogが満たす。
type CatalogService interface {
	List() []model.Package
	Find(id string) (model.Package, bool)
	SelectPackage(ctx context.Context, id string, handler catalog.SelectionHandler) error
}

// HandoffLinker はWhatsApp引き継ぎリンクの生成インターフェース。
// handoff.Linkerが満たす。
type HandoffLinker interface {
	ChatLink() handoff.Link
	InterestLink(title string) handoff.Link
	ClientLink(pkg model.Package, details handoff.ClientDetails) (handoff.Link, error)
}

// 購入選択の結果種別
const (
	selectActionHandoff  = "handoff"
	selectActionInvested = "invested"
)

// selectResponse はパッケージ購入選択のAPIレスポンス。
// 未サインインならlinkとnotice、サインイン済みなら投資作成の結果を含む。
type selectResponse struct {
	Action    string             `json:"action"`
	Link      *handoff.Link      `json:"link,omitempty"`
	Notice    string             `json:"notice,omitempty"`
	Success   bool               `json:"success,omitempty"`
	Message   string             `json:"message,omitempty"`
	Dashboard *dashboardResponse `json:"dashboard,omitempty"`
}

// CatalogHandler はパッケージ一覧と購入選択のハンドラー。
type CatalogHandler struct {
	catalog CatalogService
	linker  HandoffLinker
}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler(c CatalogService, linker HandoffLinker) *CatalogHandler {
	return &CatalogHandler{catalog: c, linker: linker}
}

// ListPackages はパッケージ一覧を表示順で返す。
// GET /api/packages
func (h *CatalogHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"packages": h.catalog.List(),
	})
}

// GetPackage はパッケージ1件を返す。
// GET /api/packages/{id}
func (h *CatalogHandler) GetPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.catalog.Find(id)
	if !ok {
		handleServiceError(w, model.NewPackageNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SelectPackage はパッケージの購入を選択する。
// 未サインインの訪問者にはWhatsAppでの問い合わせリンクを返し、
// サインイン済みの訪問者にはパッケージ価格で投資を作成する。
// POST /api/packages/{id}/select
func (h *CatalogHandler) SelectPackage(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}

	var resp selectResponse
	err := h.catalog.SelectPackage(r.Context(), chi.URLParam(r, "id"), func(ctx context.Context, sel model.Selection) error {
		if v.Session.Identity() == nil {
			link := h.linker.InterestLink(sel.Title)
			resp = selectResponse{
				Action: selectActionHandoff,
				Link:   &link,
				Notice: handoff.BuyNotice(sel.Title),
			}
			return nil
		}

		res, err := v.Dashboard.Invest(ctx, sel)
		if err != nil {
			return err
		}
		dash := toDashboardResponse(v.Dashboard.State(), v.Session.Identity())
		resp = selectResponse{
			Action:    selectActionInvested,
			Success:   res.Success,
			Message:   res.Message,
			Dashboard: &dash,
		}
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
