package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidInitData is returned for Mini App launch data that is missing,
// forged or stale.
var ErrInvalidInitData = errors.New("invalid Telegram initData")

// TelegramUser is the user object embedded in Mini App initData.
type TelegramUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
}

// ValidateInitData checks the initData signature against the bot token and
// rejects data older than maxAge.
// See https://core.telegram.org/bots/webapps#validating-data-received-via-the-mini-app
func ValidateInitData(initData, botToken string, maxAge time.Duration, now time.Time) (*TelegramUser, error) {
	if initData == "" {
		return nil, fmt.Errorf("%w: missing initData", ErrInvalidInitData)
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInitData, err)
	}
	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrInvalidInitData)
	}
	values.Del("hash")

	expected := signInitData(values, botToken)
	got, err := hex.DecodeString(hash)
	if err != nil || !hmac.Equal(got, expected) {
		return nil, fmt.Errorf("%w: hash mismatch", ErrInvalidInitData)
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad auth_date", ErrInvalidInitData)
	}
	if now.Sub(time.Unix(authDate, 0)) > maxAge {
		return nil, fmt.Errorf("%w: expired", ErrInvalidInitData)
	}

	raw := values.Get("user")
	if raw == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInitData)
	}
	var u TelegramUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.ID == 0 {
		return nil, fmt.Errorf("%w: bad user", ErrInvalidInitData)
	}
	return &u, nil
}

// signInitData computes HMAC_SHA256(HMAC_SHA256("WebAppData", token), checkString)
// over the sorted key=value lines.
func signInitData(values url.Values, botToken string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + values.Get(k)
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return mac.Sum(nil)
}
