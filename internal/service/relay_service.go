package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// RelayRequest 一次中继请求的入参。Body 为客户端原始请求体，
// 模型映射命中时转发前会就地改写 model 字段。
type RelayRequest struct {
	Key      *APIKey
	Endpoint string

	RequestID   string
	Model       string
	SessionHash string

	Body       []byte
	Stream     bool
	BetaHeader string
	Speed      string

	// Writer 客户端响应出口；流式响应由上游客户端直接写穿
	Writer http.ResponseWriter

	// responseStarted 响应已开始写回客户端，此后失败不再换号
	responseStarted bool
}

// UpstreamResult 上游调用的结果。
// BodyWritten 为 true 表示响应（或流式前缀）已写回客户端，此后不允许再切换账号。
type UpstreamResult struct {
	StatusCode  int
	Usage       TokenUsage
	BodyWritten bool
	ErrorBody   string
}

// UpstreamClient 把请求转发到具体账号的上游端点。
// 流式响应直接写穿到客户端连接，结果只带用量与状态。
type UpstreamClient interface {
	Forward(ctx context.Context, account *Account, req *RelayRequest) (*UpstreamResult, error)
}

// RelayService 请求编排：预检 → 准入 → 选号 → 串行锁 → 转发 → 入账。
type RelayService struct {
	keys      *APIKeyService
	scheduler *SchedulerService
	usage     *UsageService
	health    *AccountHealthService
	locks     AccountLockStore
	upstream  UpstreamClient
	cfg       *config.Config
}

func NewRelayService(keys *APIKeyService, scheduler *SchedulerService, usage *UsageService,
	health *AccountHealthService, locks AccountLockStore, upstream UpstreamClient, cfg *config.Config) *RelayService {
	return &RelayService{
		keys:      keys,
		scheduler: scheduler,
		usage:     usage,
		health:    health,
		locks:     locks,
		upstream:  upstream,
		cfg:       cfg,
	}
}

// NewRequestID 服务端签发的请求 ID。
func NewRequestID() string {
	return uuid.NewString()
}

// Handle 执行完整中继链路。返回的 *RelayError 决定写回客户端的状态。
func (s *RelayService) Handle(ctx context.Context, req *RelayRequest) error {
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}

	if err := s.keys.CheckQuota(ctx, req.Key, req.Model); err != nil {
		return err
	}
	if err := s.keys.Admit(ctx, req.Key, req.RequestID); err != nil {
		return err
	}
	defer s.keys.Release(context.WithoutCancel(ctx), req.Key.ID, req.RequestID)
	stopRenewal := s.keys.StartLeaseRenewal(ctx, req.Key.ID, req.RequestID)
	defer stopRenewal()

	return s.relayWithSwitching(ctx, req)
}

// relayWithSwitching 账号故障时在上限内换号重试。
// 一旦响应开始写回客户端，后续失败只能原样结束。
func (s *RelayService) relayWithSwitching(ctx context.Context, req *RelayRequest) error {
	maxAttempts := s.cfg.Gateway.MaxAccountSwitches + 1
	tried := make(map[string]struct{}, maxAttempts)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sel, err := s.scheduler.SelectAccount(ctx, req.Key, req.Endpoint, req.SessionHash, NormalizeModelName(req.Model))
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		account := sel.Account
		if _, seen := tried[account.ID]; seen {
			// 候选池已无新账号可换
			break
		}
		tried[account.ID] = struct{}{}

		err = s.relayOnce(ctx, account, req)
		if err == nil {
			return nil
		}
		lastErr = err

		if req.responseStarted {
			return err
		}
		re, ok := AsRelayError(err)
		if !ok || re.Kind == ErrKindClientDisconnect {
			return err
		}
		if re.Kind != ErrKindUpstreamError && re.Kind != ErrKindAccountRateLimited {
			return err
		}
		// 账号侧故障才换号；客户端侧 4xx（如请求体非法）换号无意义
		if re.Kind == ErrKindUpstreamError && !switchableStatus(re.Status) {
			return err
		}
		logger.L().Warn("relay: switching account after upstream failure",
			zap.String("requestId", req.RequestID),
			zap.String("accountId", account.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if lastErr != nil {
		return lastErr
	}
	return NewRelayError(ErrKindNoAvailableAccount, "all candidate accounts failed")
}

// switchableStatus 判定某个上游状态码是否值得换号重试。
func switchableStatus(status int) bool {
	switch {
	case status == 401 || status == 403 || status == 408 || status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// relayOnce 对单个账号完成一次「锁 → 转发 → 入账」。
func (s *RelayService) relayOnce(ctx context.Context, account *Account, req *RelayRequest) error {
	release, err := s.lockAccount(ctx, account.ID, req.RequestID)
	if err != nil {
		return err
	}
	defer release()

	body := req.Body
	if mapped := account.MappedModel(req.Model); mapped != req.Model {
		if rewritten, err := sjson.SetBytes(body, "model", mapped); err == nil {
			body = rewritten
		} else {
			logger.L().Warn("relay: model rewrite failed",
				zap.String("requestId", req.RequestID), zap.Error(err))
		}
	}

	started := time.Now()
	result, err := s.upstream.Forward(ctx, account, &RelayRequest{
		Key:         req.Key,
		Endpoint:    req.Endpoint,
		RequestID:   req.RequestID,
		Model:       req.Model,
		SessionHash: req.SessionHash,
		Body:        body,
		Stream:      req.Stream,
		BetaHeader:  req.BetaHeader,
		Speed:       req.Speed,
		Writer:      req.Writer,
	})
	if err != nil {
		if ctx.Err() != nil {
			return NewRelayError(ErrKindClientDisconnect, "client disconnected during relay")
		}
		return WrapRelayError(ErrKindUpstreamError, "upstream request failed", err)
	}

	if result.BodyWritten {
		req.responseStarted = true
	}
	if result.StatusCode >= 400 {
		s.health.HandleUpstreamError(ctx, account, result.StatusCode, result.ErrorBody)
		if result.BodyWritten {
			// 已写回客户端，只能按上游结果收尾，不再换号
			return NewUpstreamError(result.StatusCode, result.ErrorBody)
		}
		if result.StatusCode == 429 {
			return NewRelayError(ErrKindAccountRateLimited, "upstream account rate limited")
		}
		return NewUpstreamError(result.StatusCode, result.ErrorBody)
	}

	s.usage.RecordUsage(context.WithoutCancel(ctx), &CompletedRequest{
		Key:          req.Key,
		Account:      account,
		RequestID:    req.RequestID,
		Model:        req.Model,
		Usage:        result.Usage,
		BetaHeader:   req.BetaHeader,
		Speed:        req.Speed,
		ResponseTime: time.Since(started),
		FinishedAt:   time.Now(),
	})
	return nil
}

// lockAccount 账号串行锁包夹：命中最小间隔时按返回的等待时间补睡后重试。
// 未配置锁 TTL 时退化为空操作。
func (s *RelayService) lockAccount(ctx context.Context, accountID, requestID string) (release func(), err error) {
	ttlMs := int64(s.cfg.Gateway.UserMessageLockTTLMs)
	if ttlMs <= 0 {
		return func() {}, nil
	}
	delayMs := int64(s.cfg.Gateway.UserMessageDelayMs)

	deadline := time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	for {
		result, err := s.locks.Acquire(ctx, accountID, requestID, ttlMs, delayMs)
		if err != nil {
			return nil, WrapRelayError(ErrKindStoreUnavailable, "account lock acquire", err)
		}
		if result.Acquired {
			return func() {
				if _, err := s.locks.Release(context.WithoutCancel(ctx), accountID, requestID); err != nil {
					logger.L().Warn("relay: account lock release failed",
						zap.String("accountId", accountID), zap.Error(err))
				}
			}, nil
		}

		wait := time.Duration(result.WaitMs) * time.Millisecond
		if result.WaitMs < 0 {
			// 锁被其他请求占用，按固定步长轮询
			wait = 100 * time.Millisecond
		}
		if time.Now().Add(wait).After(deadline) {
			return nil, NewRelayError(ErrKindUpstreamError,
				fmt.Sprintf("account %s serialization lock wait exceeded ttl", accountID))
		}
		select {
		case <-ctx.Done():
			return nil, NewRelayError(ErrKindClientDisconnect, "client disconnected waiting for account lock")
		case <-time.After(wait):
		}
	}
}
