// Command notefeed はユーザーごとの通知フィードAPIサーバーとワーカーを起動する。
//
//	notefeed [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/notefeed/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
