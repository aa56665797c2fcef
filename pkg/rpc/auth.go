package rpc

import (
	"crypto/subtle"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// accountPattern constrains account names to safe path components.
var accountPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// Auth failure reasons. The wire reply is always "Invalid token"; these
// only reach the log.
var (
	errBadAccount = errors.New("account name rejected")
	errNoToken    = errors.New("token file missing")
	errBadToken   = errors.New("token mismatch")
)

const tokenCacheTTL = 30 * time.Second

// authenticator verifies account tokens against ${HUB_DIR}/tokens, with
// a short-lived cache so a chatty client doesn't hit the filesystem on
// every reconnect.
type authenticator struct {
	dir   string
	cache *expirable.LRU[string, string]
}

func newAuthenticator(dir string) *authenticator {
	return &authenticator{
		dir:   dir,
		cache: expirable.NewLRU[string, string](128, nil, tokenCacheTTL),
	}
}

func (a *authenticator) verify(account, token string) error {
	if !accountPattern.MatchString(account) {
		return errBadAccount
	}
	want, err := a.load(account)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return errBadToken
	}
	return nil
}

func (a *authenticator) load(account string) (string, error) {
	if tok, ok := a.cache.Get(account); ok {
		return tok, nil
	}
	data, err := os.ReadFile(filepath.Join(a.dir, account+".token"))
	if errors.Is(err, os.ErrNotExist) {
		return "", errNoToken
	}
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	a.cache.Add(account, tok)
	return tok, nil
}
