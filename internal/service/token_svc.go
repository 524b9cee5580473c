package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"meli_sync_v1_202608/internal/model"
	"meli_sync_v1_202608/internal/repository"
	"meli_sync_v1_202608/pkg/crypto"
	"meli_sync_v1_202608/pkg/meli"
)

// tokenExpiryMargin 过期安全边际：离过期不足 10 分钟就当作已过期，提前换新
const tokenExpiryMargin = 10 * time.Minute

var (
	ErrNoConnection  = errors.New("connection not found")
	ErrRefreshFailed = errors.New("token refresh rejected")
	ErrDecryptFailed = errors.New("token decrypt failed")
)

// TokenService 凭证管理
// 全系统唯一有解密权限的组件，token 离开这里只能以明文短暂存在于调用方内存
type TokenService struct {
	ConnRepo repository.ConnectionRepository
	Client   *meli.Client
	Key      *crypto.Key
}

// NewTokenService 工厂方法
func NewTokenService(connRepo repository.ConnectionRepository, client *meli.Client, key *crypto.Key) *TokenService {
	return &TokenService{
		ConnRepo: connRepo,
		Client:   client,
		Key:      key,
	}
}

// GetValidAccessToken 拿一个当前可用的 access token
// 没到期直接解密返回；临期/过期先走刷新。刷新被拒绝时把账号打成 FAILED，
// 同一周期内不再重试（需要用户重新授权才有意义）
func (s *TokenService) GetValidAccessToken(ctx context.Context, saasUserID, mlUserID int64) (string, error) {
	conn, err := s.ConnRepo.FindByUserPair(ctx, saasUserID, mlUserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoConnection
	}
	if err != nil {
		return "", err
	}

	if time.Until(conn.TokenExpiresAt) > tokenExpiryMargin {
		token, err := crypto.Decrypt(conn.AccessToken, s.Key)
		if err != nil {
			log.Printf("[TokenManager] 账号 %d 的 access_token 解密失败: %v", mlUserID, err)
			return "", ErrDecryptFailed
		}
		return token, nil
	}

	log.Printf("[TokenManager] 账号 %d 的 token 已过期或临期，尝试刷新...", mlUserID)
	return s.refreshAndGetNewToken(ctx, conn)
}

// refreshAndGetNewToken 刷新流程：解密 refresh_token → 换新对 → 重新加密一条 UPDATE 落库
func (s *TokenService) refreshAndGetNewToken(ctx context.Context, conn *model.Connection) (string, error) {
	refreshToken, err := crypto.Decrypt(conn.RefreshToken, s.Key)
	if err != nil {
		log.Printf("[TokenManager] 账号 %d 的 refresh_token 解密失败: %v", conn.MlUserID, err)
		return "", ErrDecryptFailed
	}

	tokenResp, err := s.Client.RefreshToken(ctx, refreshToken)
	if err != nil {
		log.Printf("[TokenManager] 账号 %d 刷新被拒绝: %v", conn.MlUserID, err)
		if uerr := s.ConnRepo.UpdateSyncStatus(ctx, conn.SaasUserID, conn.MlUserID,
			model.SyncStatusFailed, "Falha ao renovar token de acesso. Reconecte a conta."); uerr != nil {
			return "", uerr
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	encAccess, err := crypto.Encrypt(tokenResp.AccessToken, s.Key)
	if err != nil {
		return "", err
	}
	encRefresh, err := crypto.Encrypt(tokenResp.RefreshToken, s.Key)
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	if err := s.ConnRepo.UpdateTokens(ctx, conn.ID, encAccess, encRefresh, expiresAt); err != nil {
		return "", err
	}

	log.Printf("[TokenManager] 账号 %d 刷新成功，新 token 已落库", conn.MlUserID)
	return tokenResp.AccessToken, nil
}

// SaveTokens 授权换取成功后的存储入口（浏览器跳转流程在本服务范围之外）
func (s *TokenService) SaveTokens(ctx context.Context, saasUserID, mlUserID int64, nickname, accessToken, refreshToken string, expiresIn int) error {
	encAccess, err := crypto.Encrypt(accessToken, s.Key)
	if err != nil {
		return err
	}
	encRefresh, err := crypto.Encrypt(refreshToken, s.Key)
	if err != nil {
		return err
	}

	conn := &model.Connection{
		SaasUserID:     saasUserID,
		MlUserID:       mlUserID,
		Nickname:       nickname,
		AccessToken:    encAccess,
		RefreshToken:   encRefresh,
		TokenExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
		SyncStatus:     model.SyncStatusNotSynced,
		IsActive:       true,
	}
	return s.ConnRepo.UpsertTokens(ctx, conn)
}

// ExchangeCodeAndSave 授权码换 token 并落库，返回绑定的 ML 卖家 ID
func (s *TokenService) ExchangeCodeAndSave(ctx context.Context, saasUserID int64, code, redirectURI, nickname string) (int64, error) {
	tokenResp, err := s.Client.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return 0, fmt.Errorf("换取 token 失败: %v", err)
	}
	err = s.SaveTokens(ctx, saasUserID, tokenResp.UserID, nickname,
		tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.ExpiresIn)
	if err != nil {
		return 0, err
	}
	return tokenResp.UserID, nil
}
