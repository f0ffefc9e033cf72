// Package githubauth mints short-lived GitHub App installation tokens for
// outbound API calls. Minting is lazy, coalesced, and cached until near
// expiry.
package githubauth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	lilac "github.com/lilac-dev/lilac"
)

// DefaultAPIBaseURL is the public GitHub REST endpoint; GitHub Enterprise
// installations override it via the identity file.
const DefaultAPIBaseURL = "https://api.github.com"

const identityFile = "github.toml"

// Identity is the App identity material loaded from <configDir>/github.toml.
type Identity struct {
	AppID          int64 `toml:"app_id"`
	InstallationID int64 `toml:"installation_id"`
	// AppSlug is the App's URL slug; the bot login is derived from it as
	// "<slug>[bot]".
	AppSlug string `toml:"app_slug"`
	// PrivateKey is the inline PEM; PrivateKeyPath points at a PEM file.
	// Exactly one must be set.
	PrivateKey     string `toml:"private_key"`
	PrivateKeyPath string `toml:"private_key_path"`
	APIBaseURL     string `toml:"api_base_url"`
	Host           string `toml:"host"`

	pem []byte
}

// LoadIdentity reads and validates <configDir>/github.toml.
func LoadIdentity(configDir string) (*Identity, error) {
	path := filepath.Join(configDir, identityFile)
	var id Identity
	if _, err := toml.DecodeFile(path, &id); err != nil {
		if os.IsNotExist(err) {
			return nil, &lilac.ErrConfig{Component: "githubauth", Message: fmt.Sprintf("identity file %s not found", path)}
		}
		return nil, &lilac.ErrConfig{Component: "githubauth", Message: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if id.AppID <= 0 {
		return nil, &lilac.ErrConfig{Component: "githubauth", Message: "app_id must be a positive integer"}
	}
	if id.InstallationID <= 0 {
		return nil, &lilac.ErrConfig{Component: "githubauth", Message: "installation_id must be a positive integer"}
	}
	switch {
	case id.PrivateKey != "" && id.PrivateKeyPath != "":
		return nil, &lilac.ErrConfig{Component: "githubauth", Message: "set private_key or private_key_path, not both"}
	case id.PrivateKey != "":
		id.pem = []byte(id.PrivateKey)
	case id.PrivateKeyPath != "":
		keyPath := id.PrivateKeyPath
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(configDir, keyPath)
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, &lilac.ErrConfig{Component: "githubauth", Message: fmt.Sprintf("read private key %s: %v", keyPath, err)}
		}
		id.pem = pem
	default:
		return nil, &lilac.ErrConfig{Component: "githubauth", Message: "missing private_key or private_key_path"}
	}
	if id.APIBaseURL == "" {
		id.APIBaseURL = DefaultAPIBaseURL
	}
	return &id, nil
}

// BotLogin returns the derived App bot login, or "" when no slug is
// configured.
func (id *Identity) BotLogin() string {
	if id.AppSlug == "" {
		return ""
	}
	return id.AppSlug + "[bot]"
}

// Fingerprint is a deterministic hash of the identity tuple. It is the token
// cache key: a changed key, app, or endpoint invalidates prior tokens.
func (id *Identity) Fingerprint() string {
	keySum := sha256.Sum256(id.pem)
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(id.AppID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(id.InstallationID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(id.APIBaseURL))
	h.Write([]byte{0})
	h.Write([]byte(id.Host))
	h.Write([]byte{0})
	h.Write(keySum[:])
	return hex.EncodeToString(h.Sum(nil))
}
