package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/notefeed/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// RequestValidator はgo-playground/validatorでリクエストボディを検証する。
type RequestValidator struct {
	validator *validator.Validate
}

// NewRequestValidator はRequestValidatorを生成する。
// エラーメッセージにはGoのフィールド名ではなくJSONタグ名を使う。
func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &RequestValidator{validator: v}
}

// Validate は構造体タグに従って検証し、最初の違反をInvalidArgumentエラーとして返す。
func (v *RequestValidator) Validate(i any) error {
	err := v.validator.Struct(i)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fe := validationErrors[0]
		return model.NewInvalidArgumentError(fmt.Sprintf("%s failed on '%s' validation", fe.Namespace(), fe.Tag()))
	}
	return model.NewInvalidArgumentError(err.Error())
}

// decodeAndValidate はJSONボディをdstに読み込み、検証する。
// JSONとして不正な場合はInvalidRequestエラーを返す。
func (v *RequestValidator) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewInvalidRequestError("リクエストボディが空です。")
		}
		return model.NewInvalidRequestError(fmt.Sprintf("リクエストボディのJSONが不正です: %v", err))
	}
	return v.Validate(dst)
}
