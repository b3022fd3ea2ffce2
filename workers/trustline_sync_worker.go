package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creator-payment-system/config"
	"creator-payment-system/logger"
	"creator-payment-system/models"
	"creator-payment-system/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// trustlineChange is one record of the account sync service feed
type trustlineChange struct {
	Account     string           `json:"account"`
	AssetKind   models.AssetKind `json:"asset_kind"`
	AssetCode   string           `json:"asset_code"`
	AssetIssuer string           `json:"asset_issuer"`
	Active      bool             `json:"active"`
}

// TrustlineSyncClient pulls trustline changes from the account sync service
type TrustlineSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewTrustlineSyncClient(db *gorm.DB, cfg config.SyncConfig) (*TrustlineSyncClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("SYNC_SERVICE_URL is required for trustline sync")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("SERVICE_TOKEN is required for trustline sync")
	}
	return &TrustlineSyncClient{
		BaseURL:    strings.TrimRight(cfg.URL, "/"),
		Token:      cfg.Token,
		HTTPClient: utils.HTTPClient,
		DB:         db,
	}, nil
}

func (c *TrustlineSyncClient) GetChangedTrustlines(ctx context.Context, since time.Time) ([]models.Trustline, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/v1/public/trustlines", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Trustlines []trustlineChange `json:"trustlines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}

	return toTrustlines(response.Trustlines, time.Now().UTC()), nil
}

// toTrustlines normalizes the feed and keeps the last change per key, since one
// upsert statement cannot touch the same row twice
func toTrustlines(changes []trustlineChange, syncedAt time.Time) []models.Trustline {
	index := make(map[string]int, len(changes))
	out := make([]models.Trustline, 0, len(changes))
	for _, ch := range changes {
		if ch.Account == "" || ch.AssetKind == "" {
			continue
		}
		t := models.Trustline{
			Account:      strings.ToLower(ch.Account),
			AssetKind:    ch.AssetKind,
			AssetCode:    strings.ToUpper(ch.AssetCode),
			AssetIssuer:  strings.ToLower(ch.AssetIssuer),
			Active:       ch.Active,
			LastSyncedAt: syncedAt,
		}
		key := strings.Join([]string{t.Account, string(t.AssetKind), t.AssetCode, t.AssetIssuer}, "|")
		if i, ok := index[key]; ok {
			out[i] = t
			continue
		}
		index[key] = len(out)
		out = append(out, t)
	}
	return out
}

// UpsertTrustlines writes a batch of trustlines in one statement
func UpsertTrustlines(ctx context.Context, db *gorm.DB, trustlines []models.Trustline) error {
	if len(trustlines) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "account"},
			{Name: "asset_kind"},
			{Name: "asset_code"},
			{Name: "asset_issuer"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"active", "last_synced_at", "updated_at", "deleted_at"}),
	}).Create(&trustlines).Error
}

// PollTrustlines mirrors trustline changes until ctx is cancelled
func PollTrustlines(ctx context.Context, client *TrustlineSyncClient, pollInterval time.Duration) {
	logger.Info("starting trustline polling", zap.Duration("interval", pollInterval))
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("trustline polling stopped")
			return
		case <-ticker.C:
			tickTime := time.Now().UTC()

			trustlines, err := client.GetChangedTrustlines(ctx, lastSyncTime)
			if err != nil {
				logger.Error("failed to poll trustlines", zap.Error(err))
				continue
			}
			if len(trustlines) == 0 {
				logger.Debug("no trustline changes", zap.Time("since", lastSyncTime))
				lastSyncTime = tickTime
				continue
			}

			if err := UpsertTrustlines(ctx, client.DB, trustlines); err != nil {
				// same window is retried next tick
				logger.Error("failed to upsert trustlines", zap.Int("count", len(trustlines)), zap.Error(err))
				continue
			}

			lastSyncTime = tickTime
			logger.Info("trustlines mirrored", zap.Int("count", len(trustlines)))
		}
	}
}
