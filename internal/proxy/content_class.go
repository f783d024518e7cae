package proxy

import (
	"net/http"
	"path"
	"strings"
)

// 内容类别取值，与路由表中的 ContentClass 对应。
const (
	ClassDocument = "document"
	ClassImage    = "image"
	ClassStyle    = "style"
	ClassScript   = "script"
	ClassFont     = "font"
	ClassData     = "data"
)

var extensionClasses = map[string]string{
	".png":   ClassImage,
	".jpg":   ClassImage,
	".jpeg":  ClassImage,
	".gif":   ClassImage,
	".webp":  ClassImage,
	".avif":  ClassImage,
	".svg":   ClassImage,
	".ico":   ClassImage,
	".css":   ClassStyle,
	".js":    ClassScript,
	".mjs":   ClassScript,
	".woff":  ClassFont,
	".woff2": ClassFont,
	".ttf":   ClassFont,
	".json":  ClassData,
	".html":  ClassDocument,
	".htm":   ClassDocument,
}

// inferContentClass 依次参考显式声明的 X-Content-Class、Sec-Fetch-Dest 与扩展名。
func inferContentClass(header http.Header, target string) string {
	if declared := strings.ToLower(strings.TrimSpace(header.Get(HeaderContentClass))); declared != "" {
		return declared
	}
	switch dest := strings.ToLower(header.Get("Sec-Fetch-Dest")); dest {
	case "image", "style", "script", "font", "document":
		return dest
	}
	p := target
	if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	if class, ok := extensionClasses[strings.ToLower(path.Ext(p))]; ok {
		return class
	}
	return ""
}

// isNavigational 判断请求是否为页面导航，决定离线时能否回退到占位页。
func isNavigational(method string, header http.Header) bool {
	if method != http.MethodGet {
		return false
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(header.Get("Accept"), "text/html")
}
