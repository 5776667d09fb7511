// Copyright © 2024 Dubplane <dev@dubplane.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package auth is the credential collaborator behind the HTTP API: users
// with bcrypt passwords, rotating refresh tokens, and dp_-prefixed API
// keys, all in a bbolt database separate from the job state store.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/dubplane/dubplane/common"
)

const (
	authDBName = "auth.db"

	// APIKeyPrefix marks opaque service keys; the part after the prefix is
	// 32 hex characters. Only a hash of the key is ever stored.
	APIKeyPrefix = "dp_"

	refreshTTL = 30 * 24 * time.Hour
)

var (
	bucketUsers   = []byte("users")
	bucketRefresh = []byte("refresh")
	bucketAPIKeys = []byte("apikeys")
)

// User is the durable account record. PasswordHash is bcrypt; TOTPSecret
// is empty unless two-factor is enrolled.
type User struct {
	Username     string          `json:"username"`
	PasswordHash []byte          `json:"password_hash"`
	Role         common.UserRole `json:"role"`
	TOTPSecret   string          `json:"totp_secret,omitempty"`
	Disabled     bool            `json:"disabled,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type refreshRecord struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked,omitempty"`
}

type apiKeyRecord struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	Label     string    `json:"label,omitempty"`
}

// TOTPVerifier checks a one-time code against an enrolled secret. The
// implementation lives outside this package; nil means enrolled users
// cannot log in with a password at all.
type TOTPVerifier func(secret, code string) bool

// Store wraps auth.db. It is safe for concurrent use.
type Store struct {
	db   *bolt.DB
	totp TOTPVerifier
}

func Open(stateDir string, totp TOTPVerifier) (*Store, error) {
	db, err := bolt.Open(filepath.Join(stateDir, authDBName), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(common.ErrStorageUnavailable, err.Error())
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketRefresh, bucketAPIKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, totp: totp}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateUser registers a new account. Usernames are case-insensitive and
// unique.
func (s *Store) CreateUser(username, password string, role common.UserRole) (*User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return nil, common.NewValidationError("username", "username is required")
	}
	if len(password) < 8 {
		return nil, common.NewValidationError("password", "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &User{Username: username, PasswordHash: hash, Role: role, CreatedAt: common.UTCNow()}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(username)) != nil {
			return common.NewConflictError("user_exists", "username is taken")
		}
		raw, merr := json.Marshal(user)
		if merr != nil {
			return merr
		}
		return b.Put([]byte(username), raw)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) GetUser(username string) (*User, error) {
	var user *User
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get([]byte(normalizeUsername(username)))
		if raw == nil {
			return common.NewAuthError("unknown user")
		}
		user = &User{}
		return json.Unmarshal(raw, user)
	})
	return user, err
}

// Authenticate verifies password (and the TOTP code for enrolled users).
// Failures never say which part was wrong.
func (s *Store) Authenticate(username, password, totpCode string) (*User, error) {
	user, err := s.GetUser(username)
	if err != nil {
		// burn a comparison so unknown users cost the same as bad passwords
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, common.NewAuthError("invalid credentials")
	}
	if user.Disabled {
		return nil, common.NewAuthError("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return nil, common.NewAuthError("invalid credentials")
	}
	if user.TOTPSecret != "" {
		if s.totp == nil || !s.totp(user.TOTPSecret, totpCode) {
			return nil, common.NewAuthError("invalid credentials")
		}
	}
	return user, nil
}

// SetTOTPSecret enrolls (or, with an empty secret, unenrolls) two-factor.
func (s *Store) SetTOTPSecret(username, secret string) error {
	return s.updateUser(username, func(u *User) { u.TOTPSecret = secret })
}

func (s *Store) SetDisabled(username string, disabled bool) error {
	return s.updateUser(username, func(u *User) { u.Disabled = disabled })
}

func (s *Store) updateUser(username string, mutate func(*User)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		key := []byte(normalizeUsername(username))
		raw := b.Get(key)
		if raw == nil {
			return common.NewNotFoundError("user")
		}
		var user User
		if err := json.Unmarshal(raw, &user); err != nil {
			return err
		}
		mutate(&user)
		out, err := json.Marshal(&user)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Refresh tokens

// IssueRefresh mints an opaque refresh token for the user. Only its hash
// is stored.
func (s *Store) IssueRefresh(username string) (string, error) {
	token := randomToken()
	rec := refreshRecord{Username: normalizeUsername(username), ExpiresAt: common.UTCNow().Add(refreshTTL)}
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw, merr := json.Marshal(&rec)
		if merr != nil {
			return merr
		}
		return tx.Bucket(bucketRefresh).Put(hashKey(token), raw)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RotateRefresh revokes the presented token and issues a replacement.
// Presenting an already-revoked token is treated as theft: it fails and
// stays revoked.
func (s *Store) RotateRefresh(token string) (string, *User, error) {
	var username string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefresh)
		key := hashKey(token)
		raw := b.Get(key)
		if raw == nil {
			return common.NewAuthError("invalid refresh token")
		}
		var rec refreshRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.Revoked || common.UTCNow().After(rec.ExpiresAt) {
			return common.NewAuthError("invalid refresh token")
		}
		rec.Revoked = true
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}
		username = rec.Username
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	user, err := s.GetUser(username)
	if err != nil {
		return "", nil, err
	}
	if user.Disabled {
		return "", nil, common.NewAuthError("invalid refresh token")
	}
	next, err := s.IssueRefresh(username)
	if err != nil {
		return "", nil, err
	}
	return next, user, nil
}

// RevokeRefresh invalidates a token on logout. Unknown tokens are fine.
func (s *Store) RevokeRefresh(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefresh)
		key := hashKey(token)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var rec refreshRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Revoked = true
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// API keys

// CreateAPIKey mints a dp_ key for the user and returns it exactly once;
// afterwards only the hash exists.
func (s *Store) CreateAPIKey(username, label string) (string, error) {
	username = normalizeUsername(username)
	if _, err := s.GetUser(username); err != nil {
		return "", err
	}
	key := APIKeyPrefix + randomToken()
	rec := apiKeyRecord{Username: username, CreatedAt: common.UTCNow(), Label: label}
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw, merr := json.Marshal(&rec)
		if merr != nil {
			return merr
		}
		return tx.Bucket(bucketAPIKeys).Put(hashKey(key), raw)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// LookupAPIKey resolves a presented dp_ key to its user.
func (s *Store) LookupAPIKey(key string) (*User, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return nil, common.NewAuthError("invalid api key")
	}
	var username string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAPIKeys).Get(hashKey(key))
		if raw == nil {
			return common.NewAuthError("invalid api key")
		}
		var rec apiKeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		username = rec.Username
		return nil
	})
	if err != nil {
		return nil, err
	}
	user, err := s.GetUser(username)
	if err != nil || user.Disabled {
		return nil, common.NewAuthError("invalid api key")
	}
	return user, nil
}

func (s *Store) RevokeAPIKey(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Delete(hashKey(key))
	})
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// randomToken returns 32 hex characters (128 bits).
func randomToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // the platform CSPRNG is gone; nothing sensible to do
	}
	return hex.EncodeToString(buf[:])
}

// hashKey is the storage key for a secret: sha256, so a leaked database
// does not leak usable tokens.
func hashKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}
