package service

import (
	"regexp"
	"strings"
	"time"

	"llmrelay/internal/domain"

	gocache "github.com/patrickmn/go-cache"
)

// clientProfile 一类客户端的识别特征。
// deniedPaths 即使前缀放行也拒绝（claude_code 不允许走 chat/completions）。
type clientProfile struct {
	uaPattern           *regexp.Regexp
	allowedPathPrefixes []string
	deniedPaths         []string
}

// 内置客户端注册表。UA 匹配大小写不敏感，只认官方 CLI 的版本格式。
var clientProfiles = map[string]clientProfile{
	domain.ClientClaudeCode: {
		uaPattern:           regexp.MustCompile(`(?i)^claude-cli/\d+\.\d+\.\d+`),
		allowedPathPrefixes: []string{"/api/v1/messages", "/claude/v1/messages", "/api/v1/models", "/api/v1/usage"},
		deniedPaths:         []string{"/v1/chat/completions"},
	},
	domain.ClientGeminiCLI: {
		uaPattern:           regexp.MustCompile(`(?i)^gemini-cli/\d+\.\d+\.\d+`),
		allowedPathPrefixes: []string{"/gemini/"},
	},
	domain.ClientCodexCLI: {
		uaPattern:           regexp.MustCompile(`(?i)^codex(?:-cli)?[/_]\d+\.\d+\.\d+`),
		allowedPathPrefixes: []string{"/openai/", "/azure/", "/api/v1/models"},
	},
	domain.ClientDroidCLI: {
		uaPattern:           regexp.MustCompile(`(?i)^droid(?:-cli)?/\d+\.\d+\.\d+`),
		allowedPathPrefixes: []string{"/droid/", "/comm/"},
	},
}

// ClientValidator 按 key 的 allowedClients 限制调用方客户端。
// 注册表之外的条目按自定义 UA 正则处理，编译结果带 TTL 缓存。
type ClientValidator struct {
	compiled *gocache.Cache
}

func NewClientValidator() *ClientValidator {
	return &ClientValidator{
		compiled: gocache.New(time.Hour, 10*time.Minute),
	}
}

// Validate 校验请求客户端。allowedClients 为空时不限制，返回空类型。
// 命中注册表返回客户端类型；全部未命中返回 ClientNotAllowed。
func (v *ClientValidator) Validate(allowedClients []string, userAgent, path string) (string, error) {
	if len(allowedClients) == 0 {
		return "", nil
	}

	for _, name := range allowedClients {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if profile, ok := clientProfiles[name]; ok {
			if profile.matches(userAgent, path) {
				return name, nil
			}
			continue
		}
		// 自定义 UA 正则条目
		if re := v.compile(name); re != nil && re.MatchString(userAgent) {
			return name, nil
		}
	}
	return "", NewRelayError(ErrKindClientNotAllowed, "client not allowed for this key")
}

func (p *clientProfile) matches(userAgent, path string) bool {
	if !p.uaPattern.MatchString(userAgent) {
		return false
	}
	for _, denied := range p.deniedPaths {
		if path == denied {
			return false
		}
	}
	if len(p.allowedPathPrefixes) == 0 {
		return true
	}
	for _, prefix := range p.allowedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// compile 编译自定义 UA 正则并缓存；非法表达式缓存 nil 防止反复编译。
func (v *ClientValidator) compile(pattern string) *regexp.Regexp {
	if cached, ok := v.compiled.Get(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		v.compiled.SetDefault(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	v.compiled.SetDefault(pattern, re)
	return re
}
