package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/notefeed/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部エラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteStorageUnavailable はストレージ・ディレクトリ障害時の503レスポンスを書き込む。
func WriteStorageUnavailable(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
		Code:     model.ErrCodeStorageUnavailable,
		Message:  "通知ストレージが一時的に利用できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusForError はエラー種別に対応するHTTPステータスコードを返す。
func StatusForError(err error) int {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrCodeInvalidArgument, model.ErrCodeInvalidRequest:
			return http.StatusBadRequest
		case model.ErrCodeNotificationNotFound:
			return http.StatusNotFound
		case model.ErrCodeUnauthorized:
			return http.StatusUnauthorized
		case model.ErrCodeForbidden:
			return http.StatusForbidden
		}
	}
	if errors.Is(err, model.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteError はエラーを統一フォーマットに変換して書き込む。
// 500・503はログに詳細を記録する。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)

	var apiErr *model.APIError
	if errors.As(err, &apiErr) && status < http.StatusInternalServerError {
		WriteErrorResponse(w, status, apiErr)
		return
	}

	slog.Error("リクエスト処理に失敗",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	if status == http.StatusServiceUnavailable {
		WriteStorageUnavailable(w)
		return
	}
	WriteInternalServerError(w)
}
