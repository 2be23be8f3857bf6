// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// PuppetEntry is the configuration-level description of a single puppet:
// a Matrix user that posts to Mattermost under its own bot account.
// Entries come from the MATTERMOST_PUPPET_* environment convention or from
// the hot-reload JSON API.
type PuppetEntry struct {
	Slug      string `json:"slug"`
	MXID      string `json:"mxid"`
	Token     string `json:"token"`
	ServerURL string `json:"server_url,omitempty"`
}

// Puppet is a verified puppet: an authenticated Mattermost client bound to
// a Matrix user. Puppets are immutable after construction.
type Puppet struct {
	Slug     string
	MXID     id.UserID
	Token    string
	Client   *model.Client4
	UserID   string // Mattermost user/bot ID
	Username string
}

// ErrDuplicateSlug is returned when two puppet entries share a slug.
var ErrDuplicateSlug = errors.New("duplicate puppet slug")

// PuppetDialer authenticates a puppet entry against Mattermost and returns
// the verified puppet. Injected so tests can avoid real network calls.
type PuppetDialer func(ctx context.Context, entry PuppetEntry) (*Puppet, error)

// puppetSnapshot is an immutable view of the puppet set with lookup indexes.
// It is never mutated after build; the registry replaces the whole snapshot
// on reload. With duplicate identities the later entry wins because entries
// are indexed in slice order.
type puppetSnapshot struct {
	bySlug   map[string]*Puppet
	byMXID   map[id.UserID]*Puppet
	byUserID map[string]*Puppet
}

var emptySnapshot = &puppetSnapshot{
	bySlug:   map[string]*Puppet{},
	byMXID:   map[id.UserID]*Puppet{},
	byUserID: map[string]*Puppet{},
}

// PuppetRegistry maps puppet slugs to their Matrix identity and Mattermost
// credential. Readers resolve against an atomically-swapped snapshot, so
// lookups are lock-free and always observe either the entirely-old or the
// entirely-new puppet set during a reload. Reloads themselves are serialized.
type PuppetRegistry struct {
	active   atomic.Pointer[puppetSnapshot]
	reloadMu sync.Mutex
	dial     PuppetDialer
	log      zerolog.Logger
}

// NewPuppetRegistry creates an empty registry using the given dialer.
func NewPuppetRegistry(log zerolog.Logger, dial PuppetDialer) *PuppetRegistry {
	pr := &PuppetRegistry{
		dial: dial,
		log:  log.With().Str("component", "puppet_registry").Logger(),
	}
	pr.active.Store(emptySnapshot)
	return pr
}

// PuppetDiff reports the result of a Reconcile as slug sets.
type PuppetDiff struct {
	Added     []string
	Removed   []string
	Unchanged []string
}

// Load builds the initial snapshot from entries and swaps it in. It fails
// without touching the active snapshot if two entries share a slug.
func (pr *PuppetRegistry) Load(ctx context.Context, entries []PuppetEntry) error {
	_, err := pr.Reconcile(ctx, entries)
	return err
}

// Reconcile replaces the entire active puppet set with one built from
// entries and returns the slug-level diff against the previous snapshot.
// This is a full replacement, not a merge: any slug missing from entries is
// removed. Puppets whose slug and token are unchanged are carried over
// without re-authenticating. Entries that fail authentication are skipped
// with a logged error and do not appear in the new snapshot.
func (pr *PuppetRegistry) Reconcile(ctx context.Context, entries []PuppetEntry) (PuppetDiff, error) {
	pr.reloadMu.Lock()
	defer pr.reloadMu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		slug := NormalizeSlug(e.Slug)
		if _, dup := seen[slug]; dup {
			return PuppetDiff{}, fmt.Errorf("%w: %q", ErrDuplicateSlug, slug)
		}
		seen[slug] = struct{}{}
	}

	old := pr.active.Load()
	next := &puppetSnapshot{
		bySlug:   make(map[string]*Puppet, len(entries)),
		byMXID:   make(map[id.UserID]*Puppet, len(entries)),
		byUserID: make(map[string]*Puppet, len(entries)),
	}

	var diff PuppetDiff
	for _, entry := range entries {
		slug := NormalizeSlug(entry.Slug)
		_, retained := old.bySlug[slug]
		if prev := old.bySlug[slug]; retained && prev.Token == entry.Token {
			next.index(slug, prev)
			diff.Unchanged = append(diff.Unchanged, slug)
			continue
		}

		puppet, err := pr.dial(ctx, entry)
		if err != nil {
			pr.log.Error().Err(err).
				Str("slug", slug).
				Str("mxid", entry.MXID).
				Msg("Failed to authenticate puppet, skipping")
			continue
		}
		puppet.Slug = slug
		next.index(slug, puppet)
		// The diff is keyed by slug: a retained slug with a new token is
		// re-authenticated but still reported as unchanged.
		if retained {
			diff.Unchanged = append(diff.Unchanged, slug)
		} else {
			diff.Added = append(diff.Added, slug)
		}

		pr.log.Info().
			Str("slug", slug).
			Str("mxid", entry.MXID).
			Str("mm_user_id", puppet.UserID).
			Str("mm_username", puppet.Username).
			Msg("Loaded puppet")
	}

	for slug := range old.bySlug {
		if _, kept := next.bySlug[slug]; !kept {
			diff.Removed = append(diff.Removed, slug)
			pr.log.Info().Str("slug", slug).Msg("Removing puppet")
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Unchanged)

	pr.active.Store(next)

	pr.log.Info().
		Int("added", len(diff.Added)).
		Int("removed", len(diff.Removed)).
		Int("unchanged", len(diff.Unchanged)).
		Int("total", len(next.bySlug)).
		Msg("Puppet reconcile complete")
	return diff, nil
}

func (s *puppetSnapshot) index(slug string, p *Puppet) {
	s.bySlug[slug] = p
	s.byMXID[p.MXID] = p
	if p.UserID != "" {
		s.byUserID[p.UserID] = p
	}
}

// ResolveBySlug returns the puppet registered under the given slug.
func (pr *PuppetRegistry) ResolveBySlug(slug string) (*Puppet, bool) {
	p, ok := pr.active.Load().bySlug[NormalizeSlug(slug)]
	return p, ok
}

// ResolveByMXID returns the puppet bound to the given Matrix user.
func (pr *PuppetRegistry) ResolveByMXID(mxid id.UserID) (*Puppet, bool) {
	p, ok := pr.active.Load().byMXID[mxid]
	return p, ok
}

// ResolveByUserID returns the puppet whose Mattermost bot account has the
// given user ID. Used by echo prevention to recognize the bridge's own posts.
func (pr *PuppetRegistry) ResolveByUserID(mmUserID string) (*Puppet, bool) {
	p, ok := pr.active.Load().byUserID[mmUserID]
	return p, ok
}

// IsPuppetUserID reports whether the Mattermost user ID belongs to a puppet.
func (pr *PuppetRegistry) IsPuppetUserID(mmUserID string) bool {
	_, ok := pr.ResolveByUserID(mmUserID)
	return ok
}

// Count returns the number of puppets in the active snapshot.
func (pr *PuppetRegistry) Count() int {
	return len(pr.active.Load().bySlug)
}

// NormalizeSlug uppercases a slug and normalizes separators to underscores,
// matching the environment variable naming convention.
func NormalizeSlug(slug string) string {
	slug = strings.ToUpper(strings.TrimSpace(slug))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', ' ':
			return '_'
		}
		return r
	}, slug)
}

const (
	puppetEnvPrefix    = "MATTERMOST_PUPPET_"
	puppetMXIDSuffix   = "_MXID"
	puppetTokenSuffix  = "_TOKEN"
	puppetServerSuffix = "_URL"
)

// parsePuppetEnv extracts puppet entries from an environment in the form
// returned by os.Environ. The convention is
//
//	MATTERMOST_PUPPET_<SLUG>_MXID  = @puppet-bot:example.com
//	MATTERMOST_PUPPET_<SLUG>_TOKEN = <mattermost bot access token>
//	MATTERMOST_PUPPET_<SLUG>_URL   = http://mattermost:8065  (optional)
//
// Pairs missing either the MXID or the token are ignored. Entries are
// returned in sorted slug order so loading is deterministic.
func parsePuppetEnv(environ []string) []PuppetEntry {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, puppetEnvPrefix) {
			vars[key] = value
		}
	}

	var slugs []string
	for key := range vars {
		rest := strings.TrimPrefix(key, puppetEnvPrefix)
		if slug, found := strings.CutSuffix(rest, puppetMXIDSuffix); found && slug != "" {
			slugs = append(slugs, slug)
		}
	}
	sort.Strings(slugs)

	var entries []PuppetEntry
	for _, slug := range slugs {
		mxid := vars[puppetEnvPrefix+slug+puppetMXIDSuffix]
		token := vars[puppetEnvPrefix+slug+puppetTokenSuffix]
		if mxid == "" || token == "" {
			continue
		}
		entries = append(entries, PuppetEntry{
			Slug:      slug,
			MXID:      mxid,
			Token:     token,
			ServerURL: vars[puppetEnvPrefix+slug+puppetServerSuffix],
		})
	}
	return entries
}

// mattermostPuppetDialer returns the production dialer: it builds a
// Mattermost client for the entry's token and verifies it with a GetMe call.
// The entry's server URL falls back to the connector-level one.
func mattermostPuppetDialer(cfg *Config) PuppetDialer {
	return func(ctx context.Context, entry PuppetEntry) (*Puppet, error) {
		serverURL := entry.ServerURL
		if serverURL == "" {
			serverURL = cfg.ServerURL
		}
		client := model.NewAPIv4Client(serverURL)
		client.SetToken(entry.Token)

		me, _, err := client.GetMe(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to verify puppet token: %w", err)
		}
		return &Puppet{
			MXID:     id.UserID(entry.MXID),
			Token:    entry.Token,
			Client:   client,
			UserID:   me.Id,
			Username: me.Username,
		}, nil
	}
}

// puppetEntriesFromEnv is a convenience wrapper over parsePuppetEnv for the
// live process environment.
func puppetEntriesFromEnv() []PuppetEntry {
	return parsePuppetEnv(os.Environ())
}
