package handler

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// jsonFieldName は検証エラーに使うJSONタグ名を返す。
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}
