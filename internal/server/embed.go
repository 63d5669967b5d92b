package server

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed static
var embedFS embed.FS

// staticFS は static ディレクトリを返す
func staticFS() (fs.FS, error) {
	sub, err := fs.Sub(embedFS, "static")
	if err != nil {
		return nil, fmt.Errorf("埋め込み静的ファイルシステムの作成に失敗: %w", err)
	}
	return sub, nil
}

// setupStatic は操作画面と静的ファイルのルートを登録する
func setupStatic(engine *gin.Engine) error {
	static, err := staticFS()
	if err != nil {
		return err
	}
	index, err := fs.ReadFile(static, "index.html")
	if err != nil {
		return fmt.Errorf("埋め込みindex.htmlの読み込みに失敗: %w", err)
	}

	engine.StaticFS("/static", http.FS(static))
	engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})
	return nil
}
