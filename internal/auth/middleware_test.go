/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/skald/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.APIKey{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsAnonymous(t *testing.T) {
	db := testDB(t)
	h := Middleware(db, []byte("secret"))(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareAcceptsBearer(t *testing.T) {
	db := testDB(t)
	secret := []byte("secret")
	token, err := Issue(secret, Claims{UserID: "u1", Roles: []string{"viewer"}}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	h := Middleware(db, secret)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareAcceptsAPIKey(t *testing.T) {
	db := testDB(t)
	user := models.User{ID: uuid.NewString(), Username: "probe", Role: models.RoleViewer}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	plaintext, key, err := GenerateAPIKey(user.ID, "monitoring", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if err := db.Create(key).Error; err != nil {
		t.Fatalf("store key: %v", err)
	}

	h := Middleware(db, nil)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareRejectsRevokedAPIKey(t *testing.T) {
	db := testDB(t)
	user := models.User{ID: uuid.NewString(), Username: "probe", Role: models.RoleViewer}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	plaintext, key, err := GenerateAPIKey(user.ID, "monitoring", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if err := db.Create(key).Error; err != nil {
		t.Fatalf("store key: %v", err)
	}
	if err := RevokeAPIKey(db, key.ID, user.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	h := Middleware(db, nil)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestQueryTokenOnlyForEventsUpgrade(t *testing.T) {
	db := testDB(t)
	secret := []byte("secret")
	token, err := Issue(secret, Claims{UserID: "u1", Roles: []string{"viewer"}}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	h := Middleware(db, secret)(okHandler())

	// Query token on a plain request is refused.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status?token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("plain query token: status = %d, want 401", rec.Code)
	}

	// Query token on the events websocket upgrade is accepted.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/events?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("events upgrade: status = %d, want 200", rec.Code)
	}
}
