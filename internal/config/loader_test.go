package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := loadFixture(t, "missing.toml"); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadFailsWhenFileAbsent(t *testing.T) {
	if _, err := loadFixture(t, "does-not-exist.toml"); err == nil {
		t.Fatalf("配置文件不存在时应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
Upstream = "https://shop.example.com"
UpstreamTimeout = "boom"
`
	if _, err := loadInline(t, cfg); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90")); err != nil {
		t.Fatalf("纯数字秒值应可解析: %v", err)
	}
	if d.DurationValue().Seconds() != 90 {
		t.Fatalf("期望 90s，实际 %v", d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法值应返回错误")
	}
}
