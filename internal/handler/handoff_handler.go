package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/investdesk/internal/handoff"
	"github.com/hitoshi/investdesk/internal/model"
)

// HandoffHandler はWhatsApp引き継ぎリンクを返すハンドラー。
type HandoffHandler struct {
	catalog CatalogService
	linker  HandoffLinker
}

// NewHandoffHandler はHandoffHandlerを生成する。
func NewHandoffHandler(c CatalogService, linker HandoffLinker) *HandoffHandler {
	return &HandoffHandler{catalog: c, linker: linker}
}

// Chat はメッセージなしのチャットリンクを返す。
// GET /api/handoff/chat
func (h *HandoffHandler) Chat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.linker.ChatLink())
}

// Interest はパッケージへの関心を伝えるリンクを返す。
// GET /api/packages/{id}/interest
func (h *HandoffHandler) Interest(w http.ResponseWriter, r *http.Request) {
	p, ok := h.findPackage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.linker.InterestLink(p.Title))
}

// ClientDetails は顧客情報フォームの内容を含むリンクを返す。
// POST /api/packages/{id}/handoff
func (h *HandoffHandler) ClientDetails(w http.ResponseWriter, r *http.Request) {
	p, ok := h.findPackage(w, r)
	if !ok {
		return
	}
	var details handoff.ClientDetails
	if !decodeJSON(w, r, &details) {
		return
	}

	link, err := h.linker.ClientLink(p, details)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *HandoffHandler) findPackage(w http.ResponseWriter, r *http.Request) (model.Package, bool) {
	id := chi.URLParam(r, "id")
	p, ok := h.catalog.Find(id)
	if !ok {
		handleServiceError(w, model.NewPackageNotFoundError(id))
		return model.Package{}, false
	}
	return p, true
}
