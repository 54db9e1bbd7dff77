package service

import (
	"errors"
	"fmt"
	"net/http"
)

// 仓储层哨兵错误。策略性失败（额度、限流等）走 RelayError。
var (
	ErrAPIKeyNotFound  = errors.New("api key not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrGroupNotFound   = errors.New("account group not found")
	ErrGroupNotEmpty   = errors.New("account group has members or bound keys")
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// ErrorKind 标识请求失败的类别，同时决定 HTTP 状态码与排队统计字段。
type ErrorKind string

const (
	ErrKindStoreUnavailable   ErrorKind = "store_unavailable"
	ErrKindInvalidCredentials ErrorKind = "invalid_credentials"
	ErrKindKeyInactive        ErrorKind = "key_inactive"
	ErrKindKeyExpired         ErrorKind = "key_expired"
	ErrKindKeyDeleted         ErrorKind = "key_deleted"
	ErrKindClientNotAllowed   ErrorKind = "client_not_allowed"
	ErrKindModelNotAllowed    ErrorKind = "model_not_allowed"
	ErrKindQuotaExceeded      ErrorKind = "quota_exceeded"
	ErrKindRateLimited        ErrorKind = "rate_limited"
	ErrKindQueueTimeout       ErrorKind = "queue_timeout"
	ErrKindNoAvailableAccount ErrorKind = "no_available_account"
	ErrKindUpstreamError      ErrorKind = "upstream_error"
	ErrKindAccountRateLimited ErrorKind = "account_rate_limited"
	ErrKindClientDisconnect   ErrorKind = "client_disconnect"
)

var kindStatus = map[ErrorKind]int{
	ErrKindStoreUnavailable:   http.StatusServiceUnavailable,
	ErrKindInvalidCredentials: http.StatusUnauthorized,
	ErrKindKeyInactive:        http.StatusUnauthorized,
	ErrKindKeyExpired:         http.StatusUnauthorized,
	ErrKindKeyDeleted:         http.StatusUnauthorized,
	ErrKindClientNotAllowed:   http.StatusForbidden,
	ErrKindModelNotAllowed:    http.StatusForbidden,
	ErrKindQuotaExceeded:      http.StatusTooManyRequests,
	ErrKindRateLimited:        http.StatusTooManyRequests,
	ErrKindQueueTimeout:       http.StatusTooManyRequests,
	ErrKindNoAvailableAccount: http.StatusServiceUnavailable,
	ErrKindUpstreamError:      http.StatusBadGateway,
	ErrKindAccountRateLimited: http.StatusTooManyRequests,
	// 客户端主动断开，不会真正写回响应
	ErrKindClientDisconnect: 499,
}

// RelayError 贯穿请求链路的带类别错误。
// UpstreamError 会携带上游原始状态码与响应体用于透传。
type RelayError struct {
	Kind    ErrorKind
	Status  int
	Message string
	// Hints 附加响应头（如 x-ratelimit-*），仅部分类别使用
	Hints map[string]string
	Err   error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// HTTPStatus 返回应写回客户端的状态码。
func (e *RelayError) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	if status, ok := kindStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func NewRelayError(kind ErrorKind, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message, Status: kindStatus[kind]}
}

func WrapRelayError(kind ErrorKind, message string, err error) *RelayError {
	return &RelayError{Kind: kind, Message: message, Status: kindStatus[kind], Err: err}
}

// NewUpstreamError 透传上游错误：状态码与响应体镜像返回。
func NewUpstreamError(status int, body string) *RelayError {
	return &RelayError{Kind: ErrKindUpstreamError, Status: status, Message: body}
}

// AsRelayError 从错误链中提取 RelayError。
func AsRelayError(err error) (*RelayError, bool) {
	var re *RelayError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// WithHint 附加响应头提示，返回自身便于链式调用。
func (e *RelayError) WithHint(key, value string) *RelayError {
	if e.Hints == nil {
		e.Hints = make(map[string]string, 4)
	}
	e.Hints[key] = value
	return e
}
