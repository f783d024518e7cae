package tier

import "time"

// 内置 Tier：未在配置中声明 [[Tier]] 时使用。
const (
	Static       = "static"
	APIResponses = "api-responses"
	Images       = "images"
	UserData     = "user-data"
)

// Defaults 返回内置 Tier 的默认策略。
func Defaults() []Config {
	return []Config{
		{ID: Static, StoreName: "static", Version: defaultVersion, MaxAge: 7 * 24 * time.Hour, MaxEntries: 200},
		{ID: APIResponses, StoreName: "api", Version: defaultVersion, MaxAge: 5 * time.Minute, MaxEntries: 500},
		{ID: Images, StoreName: "images", Version: defaultVersion, MaxAge: 30 * 24 * time.Hour, MaxEntries: 300},
		{ID: UserData, StoreName: "user", Version: defaultVersion, MaxAge: 24 * time.Hour, MaxEntries: 100},
	}
}
