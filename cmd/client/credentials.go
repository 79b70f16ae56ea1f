package main

import (
	"sync"

	"github.com/omochice/msgpipe/internal/infra/config"
	"github.com/omochice/msgpipe/internal/wsconn"
)

// reloadableCredentials is a wsconn.CredentialsProvider whose values can be
// re-read from the config file while the client runs.
type reloadableCredentials struct {
	mu    sync.RWMutex
	creds wsconn.Credentials
}

func newReloadableCredentials(c config.CredentialsConfig) *reloadableCredentials {
	r := &reloadableCredentials{}
	r.set(c)
	return r
}

// Credentials implements wsconn.CredentialsProvider.
func (r *reloadableCredentials) Credentials() (wsconn.Credentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creds, r.creds.User != ""
}

// Reload loads path with env overrides applied and reports whether the
// credentials differ from the current ones. On error the current values stay.
func (r *reloadableCredentials) Reload(path string) (bool, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return false, err
	}
	return r.set(cfg.Credentials), nil
}

func (r *reloadableCredentials) set(c config.CredentialsConfig) bool {
	next := wsconn.Credentials{
		User:     c.User,
		Password: c.Password,
		Cookie:   c.Cookie,
		ClientID: c.ClientID,
		Token:    c.Token,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if next == r.creds {
		return false
	}
	r.creds = next
	return true
}
