package dispatch

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed offline.html
var bundledPlaceholder []byte

// LoadPlaceholder 返回离线占位页；path 为空时使用内置页面。
func LoadPlaceholder(path string) ([]byte, error) {
	if path == "" {
		return bundledPlaceholder, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offline page: %w", err)
	}
	return data, nil
}
