package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helpdeskhq/oauth-provider/storage"
)

// ============================================================
// AppRegistry implementation
// ============================================================

// SaveApp stores a registered application.
func (s *Store) SaveApp(ctx context.Context, app *storage.App) error {
	if app == nil || app.ClientID == "" {
		return fmt.Errorf("invalid app")
	}
	if err := validateStringLength(app.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	data, err := json.Marshal(toAppJSON(app))
	if err != nil {
		return fmt.Errorf("failed to marshal app: %w", err)
	}

	key := s.appKey(app.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save app: %w", err)
	}

	s.logger.Debug("Saved app", "client_id", app.ClientID)
	return nil
}

// GetApp retrieves a registered application by client ID.
func (s *Store) GetApp(ctx context.Context, clientID string) (*storage.App, error) {
	key := s.appKey(clientID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// Generic error prevents client enumeration.
			return nil, storage.ErrAppNotFound
		}
		return nil, fmt.Errorf("failed to get app: %w", err)
	}

	var j appJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app: %w", err)
	}

	return fromAppJSON(&j), nil
}

// DeleteApp removes a registered application.
func (s *Store) DeleteApp(ctx context.Context, clientID string) error {
	key := s.appKey(clientID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete app: %w", err)
	}

	s.logger.Debug("Deleted app", "client_id", clientID)
	return nil
}

// ListApps returns every registered application. SCAN can return duplicates
// across iterations, so results are deduplicated by key.
func (s *Store) ListApps(ctx context.Context) ([]*storage.App, error) {
	pattern := s.appKey("*")
	appMap := make(map[string]*storage.App)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan apps: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := appMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get app %s: %w", key, err)
			}

			var j appJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal app, skipping",
					"key", key,
					"error", err)
				continue
			}

			appMap[key] = fromAppJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	apps := make([]*storage.App, 0, len(appMap))
	for _, a := range appMap {
		apps = append(apps, a)
	}
	return apps, nil
}

// appJSON is the wire representation of a registered application.
type appJSON struct {
	ClientID        string   `json:"client_id"`
	SecretHash      string   `json:"secret_hash,omitempty"`
	Confidential    bool     `json:"confidential"`
	Name            string   `json:"name,omitempty"`
	Status          string   `json:"status"`
	RedirectURIs    []string `json:"redirect_uris"`
	GrantTypes      []string `json:"grant_types,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	AccessTokenTTL  int64    `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL int64    `json:"refresh_token_ttl,omitempty"`
	CreatedAt       int64    `json:"created_at"`
}

func toAppJSON(app *storage.App) *appJSON {
	return &appJSON{
		ClientID:        app.ClientID,
		SecretHash:      app.SecretHash,
		Confidential:    app.Confidential,
		Name:            app.Name,
		Status:          string(app.Status),
		RedirectURIs:    app.RedirectURIs,
		GrantTypes:      app.GrantTypes,
		Scopes:          app.Scopes,
		AccessTokenTTL:  app.AccessTokenTTL,
		RefreshTokenTTL: app.RefreshTokenTTL,
		CreatedAt:       app.CreatedAt.Unix(),
	}
}

func fromAppJSON(j *appJSON) *storage.App {
	if j == nil {
		return nil
	}
	return &storage.App{
		ClientID:        j.ClientID,
		SecretHash:      j.SecretHash,
		Confidential:    j.Confidential,
		Name:            j.Name,
		Status:          storage.AppStatus(j.Status),
		RedirectURIs:    j.RedirectURIs,
		GrantTypes:      j.GrantTypes,
		Scopes:          j.Scopes,
		AccessTokenTTL:  j.AccessTokenTTL,
		RefreshTokenTTL: j.RefreshTokenTTL,
		CreatedAt:       time.Unix(j.CreatedAt, 0),
	}
}
