package exchanger

import (
	"context"
	"strings"

	"github.com/lucianoaf8/lucaverse-auth/sessions"
)

// AllowList decides who may sign in and with which permissions.
type AllowList interface {
	Lookup(ctx context.Context, email string) (permissions []string, ok bool, err error)
}

// StaticAllowList is an AllowList fixed at startup.
type StaticAllowList struct {
	entries map[string][]string
}

var _ AllowList = (*StaticAllowList)(nil)

// NewStaticAllowList grants defaultPermissions to every listed email.
func NewStaticAllowList(emails []string, defaultPermissions ...string) *StaticAllowList {
	a := &StaticAllowList{entries: make(map[string][]string, len(emails))}
	for _, e := range emails {
		a.Grant(e, defaultPermissions...)
	}
	return a
}

// Grant adds email with the given permissions, merging with any existing grant.
func (a *StaticAllowList) Grant(email string, permissions ...string) {
	key := normalizeEmail(email)
	if key == "" {
		return
	}
	a.entries[key] = sessions.NormalizePermissions(append(a.entries[key], permissions...))
}

func (a *StaticAllowList) Lookup(_ context.Context, email string) ([]string, bool, error) {
	perms, ok := a.entries[normalizeEmail(email)]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), perms...), true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
