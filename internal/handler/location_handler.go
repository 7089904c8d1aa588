package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tripchat/internal/location"
	"github.com/hitoshi/tripchat/internal/middleware"
	"github.com/hitoshi/tripchat/internal/model"
)

// maxLocationBodyBytes は位置情報リクエストボディの上限。
const maxLocationBodyBytes = 4 * 1024

// LocationSubmitter は位置情報ハンドラーが必要とするサービスインターフェース。
type LocationSubmitter interface {
	// Submit は位置情報を検証してブローカーに送信する。
	Submit(ctx context.Context, u *location.Update) error
}

// locationAcceptedResponse は位置情報を受け付けたときのレスポンス。
type locationAcceptedResponse struct {
	Message string `json:"message"`
}

// LocationHandler は端末からの位置情報を受け付けるHTTPハンドラー。
type LocationHandler struct {
	service LocationSubmitter
	apiKey  string
}

// NewLocationHandler はLocationHandlerを生成する。
func NewLocationHandler(service LocationSubmitter, apiKey string) *LocationHandler {
	return &LocationHandler{
		service: service,
		apiKey:  apiKey,
	}
}

// RequireAPIKey はX-API-Keyヘッダーが設定済みのキーと一致しない場合に403を返すミドルウェア。
func (h *LocationHandler) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			middleware.WriteAPIError(w, model.NewInvalidAPIKeyError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SubmitLocation は位置情報をブローカーに送信する。
// POST /locations/
func (h *LocationHandler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	var u location.Update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLocationBodyBytes))
	if err := dec.Decode(&u); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidLocationError("リクエストボディがJSONとして解釈できません"))
		return
	}

	if err := h.service.Submit(r.Context(), &u); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			middleware.WriteAPIError(w, apiErr)
			return
		}
		slog.Error("unexpected location submit error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, locationAcceptedResponse{
		Message: "Location update sent successfully",
	})
}
