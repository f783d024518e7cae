package config

import (
	"os"
	"path/filepath"
	"testing"
)

// loadFixture 加载 testdata 下的配置样例。
func loadFixture(t *testing.T, name string) (*Config, error) {
	t.Helper()
	return Load(filepath.Join("testdata", name))
}

// loadInline 把 body 写成临时的 offline-hub.toml 后加载，用于只关心少量字段的用例。
func loadInline(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline-hub.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return Load(path)
}
