package middleware

import (
	"net/url"
	"strings"
)

// DefaultAllowedOrigins 本地开发环境允许的来源，不带端口的条目匹配任意端口
var DefaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// OriginAllowed 按 scheme + 主机名精确匹配 Origin。
// 条目写了端口时端口也要一致；"*" 放行所有来源。
func OriginAllowed(origin string, allowed []string) bool {
	o, err := url.Parse(origin)
	if err != nil || o.Scheme == "" || o.Hostname() == "" {
		return false
	}
	for _, entry := range allowed {
		if entry == "*" {
			return true
		}
		a, err := url.Parse(strings.TrimSuffix(entry, "/"))
		if err != nil || a.Hostname() == "" {
			continue
		}
		if !strings.EqualFold(a.Scheme, o.Scheme) || !strings.EqualFold(a.Hostname(), o.Hostname()) {
			continue
		}
		if a.Port() == "" || a.Port() == o.Port() {
			return true
		}
	}
	return false
}
