package service

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/crypto"
	"llmrelay/internal/pkg/httpclient"

	"github.com/tidwall/gjson"
)

// 平台默认上游地址。账号配置了 baseUrl 时以账号为准。
var defaultBaseURLs = map[string]string{
	domain.PlatformClaude:          "https://api.anthropic.com",
	domain.PlatformClaudeConsole:   "https://api.anthropic.com",
	domain.PlatformCCR:             "https://api.anthropic.com",
	domain.PlatformOpenAI:          "https://api.openai.com",
	domain.PlatformOpenAIResponses: "https://api.openai.com",
	domain.PlatformGemini:          "https://generativelanguage.googleapis.com",
	domain.PlatformGeminiAPI:       "https://generativelanguage.googleapis.com",
}

const maxErrorBodyBytes = 64 * 1024

// HTTPUpstream 把请求原样转发到账号的上游端点，只做模型映射之外的零改写。
// 流式响应逐行写穿客户端，顺带从 SSE 事件里拣出用量。
type HTTPUpstream struct {
	encryptor *crypto.Encryptor
	cfg       *config.Config
}

func NewHTTPUpstream(encryptor *crypto.Encryptor, cfg *config.Config) UpstreamClient {
	return &HTTPUpstream{encryptor: encryptor, cfg: cfg}
}

func (u *HTTPUpstream) Forward(ctx context.Context, account *Account, req *RelayRequest) (*UpstreamResult, error) {
	target, err := u.targetURL(account, req)
	if err != nil {
		return nil, err
	}

	client, err := httpclient.GetClient(httpclient.Options{
		ProxyURL:              account.Proxy,
		Timeout:               time.Duration(u.cfg.Gateway.UpstreamTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	u.setHeaders(httpReq, account, req)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", account.Platform, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &UpstreamResult{StatusCode: resp.StatusCode, ErrorBody: string(body)}, nil
	}

	if req.Stream {
		return u.forwardStream(account, req, resp)
	}
	return u.forwardOnce(account, req, resp)
}

// forwardOnce 非流式：整体读回、析出用量、原样写给客户端。
func (u *HTTPUpstream) forwardOnce(account *Account, req *RelayRequest, resp *http.Response) (*UpstreamResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	result := &UpstreamResult{StatusCode: resp.StatusCode}
	mergeUsage(&result.Usage, account.Platform, body)

	if req.Writer != nil {
		copyResponseHeaders(req.Writer, resp)
		req.Writer.WriteHeader(resp.StatusCode)
		if _, err := req.Writer.Write(body); err != nil {
			return nil, fmt.Errorf("write client response: %w", err)
		}
		result.BodyWritten = true
	}
	return result, nil
}

// forwardStream SSE 写穿。事件一边转发一边解析用量；
// 客户端断开由写失败暴露，上游剩余字节随之丢弃。
func (u *HTTPUpstream) forwardStream(account *Account, req *RelayRequest, resp *http.Response) (*UpstreamResult, error) {
	w := req.Writer
	if w == nil {
		return nil, fmt.Errorf("stream relay requires a response writer")
	}
	flusher, _ := w.(http.Flusher)

	copyResponseHeaders(w, resp)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	result := &UpstreamResult{StatusCode: resp.StatusCode, BodyWritten: true}
	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return result, fmt.Errorf("write client stream: %w", werr)
			}
			if flusher != nil && len(bytes.TrimSpace(line)) == 0 {
				// 事件边界（空行）再冲刷，减少小包
				flusher.Flush()
			}
			if payload, ok := sseDataPayload(line); ok {
				mergeUsage(&result.Usage, account.Platform, payload)
			}
		}
		if err == io.EOF {
			if flusher != nil {
				flusher.Flush()
			}
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

// targetURL 账号 baseUrl（或平台默认）+ 端点路径。
func (u *HTTPUpstream) targetURL(account *Account, req *RelayRequest) (string, error) {
	base := strings.TrimRight(account.BaseURL, "/")
	if base == "" {
		base = defaultBaseURLs[account.Platform]
	}
	if base == "" {
		return "", fmt.Errorf("account %s has no base url for platform %s", account.ID, account.Platform)
	}

	switch req.Endpoint {
	case domain.EndpointAnthropic, domain.EndpointBedrock:
		return base + "/v1/messages", nil
	case domain.EndpointOpenAI:
		if account.Platform == domain.PlatformOpenAIResponses {
			return base + "/v1/responses", nil
		}
		return base + "/v1/chat/completions", nil
	case domain.EndpointGemini:
		model := account.MappedModel(req.Model)
		action := "generateContent"
		if req.Stream {
			action = "streamGenerateContent?alt=sse"
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, action), nil
	case domain.EndpointDroid, domain.EndpointComm:
		if account.EndpointType == domain.EndpointOpenAI {
			return base + "/v1/chat/completions", nil
		}
		return base + "/v1/messages", nil
	default:
		return "", fmt.Errorf("unknown endpoint %q", req.Endpoint)
	}
}

// setHeaders 按平台装配认证头；凭证解密失败按明文透传（历史存量）。
func (u *HTTPUpstream) setHeaders(httpReq *http.Request, account *Account, req *RelayRequest) {
	credential := u.encryptor.Decrypt(account.Credential)
	httpReq.Header.Set("Content-Type", "application/json")

	switch account.Platform {
	case domain.PlatformClaude, domain.PlatformCCR:
		httpReq.Header.Set("Authorization", "Bearer "+credential)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	case domain.PlatformClaudeConsole:
		httpReq.Header.Set("x-api-key", credential)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	case domain.PlatformGemini, domain.PlatformGeminiAPI:
		httpReq.Header.Set("x-goog-api-key", credential)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}

	if req.BetaHeader != "" {
		httpReq.Header.Set("anthropic-beta", req.BetaHeader)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
}

// copyResponseHeaders 透传与内容语义相关的响应头。
func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, name := range []string{"Content-Type", "anthropic-ratelimit-requests-remaining", "request-id"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
}

// sseDataPayload 提取 `data: {...}` 行的 JSON 负载。
func sseDataPayload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil, false
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || payload[0] != '{' {
		return nil, false
	}
	return payload, true
}

// mergeUsage 从响应 JSON 里拣出用量字段并入 acc（按字段取最大值，
// anthropic 流式会在 message_start / message_delta 分两次给出）。
func mergeUsage(acc *TokenUsage, platform string, body []byte) {
	if !gjson.ValidBytes(body) {
		return
	}
	root := gjson.ParseBytes(body)

	var usage gjson.Result
	switch platform {
	case domain.PlatformGemini, domain.PlatformGeminiAPI:
		usage = root.Get("usageMetadata")
		if !usage.Exists() {
			return
		}
		maxInt64(&acc.InputTokens, usage.Get("promptTokenCount").Int())
		maxInt64(&acc.OutputTokens, usage.Get("candidatesTokenCount").Int())
		maxInt64(&acc.CacheReadTokens, usage.Get("cachedContentTokenCount").Int())
		return
	case domain.PlatformOpenAI, domain.PlatformOpenAIResponses, domain.PlatformAzureOpenAI:
		usage = root.Get("usage")
		if !usage.Exists() {
			return
		}
		maxInt64(&acc.InputTokens, usage.Get("prompt_tokens").Int())
		maxInt64(&acc.InputTokens, usage.Get("input_tokens").Int())
		maxInt64(&acc.OutputTokens, usage.Get("completion_tokens").Int())
		maxInt64(&acc.OutputTokens, usage.Get("output_tokens").Int())
		maxInt64(&acc.CacheReadTokens, usage.Get("prompt_tokens_details.cached_tokens").Int())
		return
	}

	// anthropic 族：顶层 usage 或流式 message.usage / delta usage
	usage = root.Get("usage")
	if !usage.Exists() {
		usage = root.Get("message.usage")
	}
	if !usage.Exists() {
		return
	}
	maxInt64(&acc.InputTokens, usage.Get("input_tokens").Int())
	maxInt64(&acc.OutputTokens, usage.Get("output_tokens").Int())
	maxInt64(&acc.CacheCreationTokens, usage.Get("cache_creation_input_tokens").Int())
	maxInt64(&acc.CacheReadTokens, usage.Get("cache_read_input_tokens").Int())
	maxInt64(&acc.Ephemeral5mTokens, usage.Get("cache_creation.ephemeral_5m_input_tokens").Int())
	maxInt64(&acc.Ephemeral1hTokens, usage.Get("cache_creation.ephemeral_1h_input_tokens").Int())
}

func maxInt64(dst *int64, v int64) {
	if v > *dst {
		*dst = v
	}
}
