package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, notification, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidArgument      = "INVALID_ARGUMENT"
	ErrCodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
)

// NewInvalidArgumentError は引数不正エラーを生成する。
// 呼び出し元がリクエストを修正すべきエラーであり、そのまま再試行しても成功しない。
func NewInvalidArgumentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArgument,
		Message:  fmt.Sprintf("無効な引数です: %s", reason),
		Category: "validation",
		Action:   "リクエストのパラメータを確認してください。",
	}
}

// NewInvalidCountError は取得件数が不正な場合のエラーを生成する。
func NewInvalidCountError() *APIError {
	return NewInvalidArgumentError("count must be an integer > 0")
}

// NewNotificationNotFoundError は通知未検出エラーを生成する。
// 存在しない場合と閲覧権限がない場合を区別しない。
func NewNotificationNotFoundError(noteID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationNotFound,
		Message:  fmt.Sprintf("指定された通知が見つかりません: %s", noteID),
		Category: "notification",
		Action:   "通知IDを確認してください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なトークンを指定してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を実行する権限がありません。",
		Category: "auth",
		Action:   "サービスアカウントまたは管理者のトークンを使用してください。",
	}
}

// IsInvalidArgument はerrが引数不正エラーかどうかを返す。
func IsInvalidArgument(err error) bool {
	return hasCode(err, ErrCodeInvalidArgument)
}

// IsNotFound はerrが通知未検出エラーかどうかを返す。
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotificationNotFound)
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// ErrStorageUnavailable はストレージまたはディレクトリへの依存が失敗したことを示す。
// errors.Isで*StorageErrorと照合できる。
var ErrStorageUnavailable = errors.New("storage unavailable")

// StorageError はストレージ・ディレクトリ呼び出しの失敗を表す。
// フィード内部では再試行せず、呼び出し元にそのまま伝播する。
type StorageError struct {
	Op  string // 失敗した操作名（例: "timeline.get"）
	Err error
}

// NewStorageError はStorageErrorを生成する。
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。context.Canceled等の判定に使用する。
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is はErrStorageUnavailableとの照合を可能にする。
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}
