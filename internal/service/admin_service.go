package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/crypto"
	"llmrelay/internal/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

var (
	ErrAdminBadCredentials = errors.New("invalid admin credentials")
	ErrAdminBadTOTP        = errors.New("invalid totp code")
	ErrAdminBadToken       = errors.New("invalid admin token")
)

// AdminService 管理面：登录、API Key / 账号 / 分组 CRUD。
// 与网关共用同一套存储，所有变更路径都负责失效相应缓存。
type AdminService struct {
	keys      APIKeyStore
	accounts  AccountStore
	groups    GroupStore
	authCache *APIKeyAuthCache
	scheduler *SchedulerService
	health    *AccountHealthService
	encryptor *crypto.Encryptor
	cfg       *config.Config
}

func NewAdminService(keys APIKeyStore, accounts AccountStore, groups GroupStore,
	authCache *APIKeyAuthCache, scheduler *SchedulerService, health *AccountHealthService,
	encryptor *crypto.Encryptor, cfg *config.Config) *AdminService {
	return &AdminService{
		keys:      keys,
		accounts:  accounts,
		groups:    groups,
		authCache: authCache,
		scheduler: scheduler,
		health:    health,
		encryptor: encryptor,
		cfg:       cfg,
	}
}

// ---- 登录与令牌 ----

// Login 校验用户名/口令（以及可选 TOTP），签发 JWT。
func (s *AdminService) Login(username, password, totpCode string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Admin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Admin.Password)) == 1
	if !userOK || !passOK {
		return "", ErrAdminBadCredentials
	}
	if secret := s.cfg.Admin.TotpSecret; secret != "" {
		if !totp.Validate(totpCode, secret) {
			return "", ErrAdminBadTOTP
		}
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.cfg.JWT.ExpireHours) * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// ValidateToken 校验 JWT 并返回登录主体。
func (s *AdminService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWT.Secret), nil
		})
	if err != nil || !token.Valid {
		return "", ErrAdminBadToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", ErrAdminBadToken
	}
	return claims.Subject, nil
}

// ---- API Key 管理 ----

// GenerateAPIKey 生成 sk- 前缀的明文 key。明文只在创建响应里出现一次。
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(buf), nil
}

// CreateAPIKey 创建 key 并返回明文。
func (s *AdminService) CreateAPIKey(ctx context.Context, key *APIKey) (plainKey string, err error) {
	plainKey, err = GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.HashedKey = HashAPIKey(plainKey)
	key.IsActive = true
	key.IsDeleted = false
	key.CreatedAt = time.Now()

	if err := s.keys.Save(ctx, key); err != nil {
		return "", fmt.Errorf("save api key: %w", err)
	}
	logger.L().Info("api key created", zap.String("keyId", key.ID), zap.String("name", key.Name))
	return plainKey, nil
}

// UpdateAPIKey 全量保存并失效认证缓存。
func (s *AdminService) UpdateAPIKey(ctx context.Context, key *APIKey) error {
	existing, err := s.keys.GetByID(ctx, key.ID)
	if err != nil {
		return err
	}
	// 哈希与创建时间不允许被更新请求覆盖
	key.HashedKey = existing.HashedKey
	key.CreatedAt = existing.CreatedAt

	if err := s.keys.Save(ctx, key); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	s.authCache.Invalidate(key.HashedKey)
	return nil
}

// DeleteAPIKey 逻辑删除：置删除位、摘 hash_map、摘认证缓存。
func (s *AdminService) DeleteAPIKey(ctx context.Context, keyID string) error {
	key, err := s.keys.GetByID(ctx, keyID)
	if err != nil {
		return err
	}
	if err := s.keys.MarkDeleted(ctx, key); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	s.authCache.Invalidate(key.HashedKey)
	logger.L().Info("api key deleted", zap.String("keyId", keyID))
	return nil
}

// ListAPIKeys 按标签过滤列出（tag 为空不过滤），已删除的不返回。
func (s *AdminService) ListAPIKeys(ctx context.Context, tag string) ([]*APIKey, error) {
	all, err := s.keys.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*APIKey, 0, len(all))
	for _, k := range all {
		if k.IsDeleted {
			continue
		}
		if tag != "" && !hasTag(k.Tags, tag) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (s *AdminService) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	return s.keys.GetByID(ctx, keyID)
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ---- 账号管理 ----

// CreateAccount 凭证加密后落库。
func (s *AdminService) CreateAccount(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Credential != "" {
		encrypted, err := s.encryptor.Encrypt(account.Credential)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
		account.Credential = encrypted
	}
	account.IsActive = true
	account.Schedulable = true
	account.Status = domain.AccountStatusActive
	account.CreatedAt = time.Now()

	if err := s.accounts.Save(ctx, account); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	s.scheduler.InvalidateSnapshot(account.Platform)
	logger.L().Info("account created",
		zap.String("accountId", account.ID), zap.String("platform", account.Platform))
	return nil
}

// UpdateAccount 凭证字段非空才重新加密；空值表示保持原凭证。
func (s *AdminService) UpdateAccount(ctx context.Context, account *Account) error {
	existing, err := s.accounts.Get(ctx, account.Platform, account.ID)
	if err != nil {
		return err
	}
	if account.Credential == "" {
		account.Credential = existing.Credential
	} else {
		encrypted, err := s.encryptor.Encrypt(account.Credential)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
		account.Credential = encrypted
	}
	account.CreatedAt = existing.CreatedAt

	if err := s.accounts.Save(ctx, account); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	s.scheduler.InvalidateSnapshot(account.Platform)
	return nil
}

// DeleteAccount 删除账号并把指向它的 key 绑定重写回共享池、摘出所属分组。
func (s *AdminService) DeleteAccount(ctx context.Context, platform, accountID string) error {
	if err := s.rewriteBindingsTo(ctx, platform, accountID); err != nil {
		return err
	}

	groupIDs, err := s.groups.GroupsOfAccount(ctx, platform, accountID)
	if err != nil {
		return fmt.Errorf("load account groups: %w", err)
	}
	for _, gid := range groupIDs {
		if err := s.groups.RemoveMember(ctx, gid, platform, accountID); err != nil {
			return fmt.Errorf("remove account from group %s: %w", gid, err)
		}
	}

	if err := s.accounts.Delete(ctx, platform, accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	s.scheduler.InvalidateSnapshot(platform)
	logger.L().Info("account deleted",
		zap.String("accountId", accountID), zap.String("platform", platform))
	return nil
}

// rewriteBindingsTo 扫描全部 key，把指向该账号的绑定字段置空。
func (s *AdminService) rewriteBindingsTo(ctx context.Context, platform, accountID string) error {
	keys, err := s.keys.List(ctx)
	if err != nil {
		return fmt.Errorf("list keys for binding rewrite: %w", err)
	}
	matches := map[string]struct{}{
		accountID: {},
		domain.BindingPrefixAPI + accountID:       {},
		domain.BindingPrefixResponses + accountID: {},
	}
	for _, key := range keys {
		for _, binding := range []string{
			key.ClaudeAccountID, key.ClaudeConsoleAccountID, key.OpenAIAccountID,
			key.GeminiAccountID, key.BedrockAccountID, key.DroidAccountID, key.CCRAccountID,
		} {
			if _, hit := matches[binding]; hit {
				if err := s.keys.RewriteBinding(ctx, key.ID, platform); err != nil {
					return fmt.Errorf("rewrite binding of key %s: %w", key.ID, err)
				}
				s.authCache.Invalidate(key.HashedKey)
				break
			}
		}
	}
	return nil
}

// SetAccountSchedulable 调度开关。
func (s *AdminService) SetAccountSchedulable(ctx context.Context, platform, accountID string, schedulable bool) error {
	if err := s.accounts.SetSchedulable(ctx, platform, accountID, schedulable); err != nil {
		return err
	}
	s.scheduler.InvalidateSnapshot(platform)
	return nil
}

// ClearAccountRateLimit 手动解除限流标记。
func (s *AdminService) ClearAccountRateLimit(ctx context.Context, platform, accountID string) {
	s.health.ClearRateLimit(ctx, platform, accountID)
}

func (s *AdminService) ListAccounts(ctx context.Context, platform string) ([]*Account, error) {
	return s.accounts.ListByPlatform(ctx, platform)
}

func (s *AdminService) GetAccount(ctx context.Context, platform, accountID string) (*Account, error) {
	return s.accounts.Get(ctx, platform, accountID)
}

// ---- 分组管理 ----

func (s *AdminService) CreateGroup(ctx context.Context, group *AccountGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	group.CreatedAt = time.Now()
	return s.groups.Save(ctx, group)
}

func (s *AdminService) UpdateGroup(ctx context.Context, group *AccountGroup) error {
	existing, err := s.groups.Get(ctx, group.ID)
	if err != nil {
		return err
	}
	group.CreatedAt = existing.CreatedAt
	return s.groups.Save(ctx, group)
}

// DeleteGroup 组内仍有成员或仍被 key 绑定时拒绝删除。
func (s *AdminService) DeleteGroup(ctx context.Context, groupID string) error {
	members, err := s.groups.Members(ctx, groupID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		return ErrGroupNotEmpty
	}

	keys, err := s.keys.List(ctx)
	if err != nil {
		return fmt.Errorf("list keys for group delete: %w", err)
	}
	bound := domain.BindingPrefixGroup + groupID
	for _, key := range keys {
		for _, binding := range []string{
			key.ClaudeAccountID, key.ClaudeConsoleAccountID, key.OpenAIAccountID,
			key.GeminiAccountID, key.BedrockAccountID, key.DroidAccountID, key.CCRAccountID,
		} {
			if binding == bound {
				return ErrGroupNotEmpty
			}
		}
	}
	return s.groups.Delete(ctx, groupID)
}

func (s *AdminService) ListGroups(ctx context.Context) ([]*AccountGroup, error) {
	return s.groups.List(ctx)
}

func (s *AdminService) AddGroupMember(ctx context.Context, groupID, platform, accountID string) error {
	if _, err := s.accounts.Get(ctx, platform, accountID); err != nil {
		return err
	}
	if err := s.groups.AddMember(ctx, groupID, platform, accountID); err != nil {
		return err
	}
	s.scheduler.InvalidateSnapshot(platform)
	return nil
}

func (s *AdminService) RemoveGroupMember(ctx context.Context, groupID, platform, accountID string) error {
	if err := s.groups.RemoveMember(ctx, groupID, platform, accountID); err != nil {
		return err
	}
	s.scheduler.InvalidateSnapshot(platform)
	return nil
}

func (s *AdminService) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	return s.groups.Members(ctx, groupID)
}
