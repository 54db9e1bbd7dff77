// Package urlvalidator 校验账号 BaseURL 与代理地址，防止 SSRF。
package urlvalidator

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidateURLFormat 校验 URL 形态并返回规范化结果（去末尾斜杠）。
// allowInsecureHTTP 为 false 时只接受 https。
func ValidateURLFormat(raw string, allowInsecureHTTP bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !allowInsecureHTTP {
			return "", fmt.Errorf("http url not allowed")
		}
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url has no host")
	}
	if port := parsed.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("invalid port %q", port)
		}
	}
	return strings.TrimRight(raw, "/"), nil
}

// ValidateResolvedIP 解析主机名并拒绝私有/回环/链路本地地址（DNS Rebinding 防护）。
func ValidateResolvedIP(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("host %s resolves to disallowed address %s", host, ip)
		}
	}
	return nil
}
