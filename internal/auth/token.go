package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenState is the credential set owned by Manager.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Tenant       *TenantInfo
}

// Validate enforces that an access token always carries an expiry.
func (t TokenState) Validate() error {
	if t.AccessToken != "" && t.Expiry.IsZero() {
		return fmt.Errorf("%w: access token without expiry", ErrInvalidState)
	}
	return nil
}

// TenantInfo identifies the signed-in user and directory.
type TenantInfo struct {
	TenantID          string `json:"tenantId"`
	UserPrincipalName string `json:"userPrincipalName"`
	UserName          string `json:"userName"`
	ObjectID          string `json:"objectId,omitempty"`
}

// tenantFromToken reads identity claims from an access token. The signature
// is not checked here: Graph validates the token on every call and this data
// is only used for display and principal lookup.
func tenantFromToken(accessToken string) *TenantInfo {
	if strings.Count(accessToken, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil
	}
	info := &TenantInfo{
		TenantID: claimString(claims, "tid"),
		UserName: claimString(claims, "name"),
		ObjectID: claimString(claims, "oid"),
	}
	for _, key := range []string{"upn", "preferred_username", "unique_name"} {
		if v := claimString(claims, key); v != "" {
			info.UserPrincipalName = v
			break
		}
	}
	if info.TenantID == "" && info.UserPrincipalName == "" {
		return nil
	}
	return info
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func encodeTenant(info *TenantInfo) (string, error) {
	if info == nil {
		return "", nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeTenant(raw string) *TenantInfo {
	if raw == "" {
		return nil
	}
	var info TenantInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil
	}
	return &info
}
