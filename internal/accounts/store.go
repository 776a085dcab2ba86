// Package accounts maps tenant emails onto namespace folders.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ografserver/internal/cache"
	"ografserver/pkg/types"
)

const (
	// AccountFile is stored at the root of every namespace folder
	AccountFile = "account.json"
	// GraphicsDir holds the graphics store of a namespace
	GraphicsDir = "graphics"

	maxIDAttempts = 100
)

type Options struct {
	Root          string
	CacheTTL      time.Duration
	TouchDebounce time.Duration
	Logger        zerolog.Logger
	// Now and NewID are replaced in tests
	Now   func() time.Time
	NewID func() string
}

// Store persists one account.json per namespace folder below Root
type Store struct {
	root     string
	debounce time.Duration
	now      func() time.Time
	newID    func() string
	logger   zerolog.Logger

	cache *cache.Cache[string, types.Account]

	mu      sync.Mutex
	byEmail map[string]string
}

// NewNamespaceID returns 12 hex characters derived from a random uuid
func NewNamespaceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Open loads the email index from every account found under root
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("namespace root is required")
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewNamespaceID
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create namespace root: %w", err)
	}

	s := &Store{
		root:     opts.Root,
		debounce: opts.TouchDebounce,
		now:      opts.Now,
		newID:    opts.NewID,
		logger:   opts.Logger.With().Str("component", "accounts").Logger(),
		cache:    cache.New[string, types.Account](opts.CacheTTL, cache.WithClock[string, types.Account](opts.Now)),
		byEmail:  make(map[string]string),
	}

	entries, err := os.ReadDir(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !types.IsValidNamespaceID(entry.Name()) {
			continue
		}
		account, err := s.read(entry.Name())
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn().Err(err).Str("namespace_id", entry.Name()).Msg("Skipping unreadable account")
			}
			continue
		}
		s.byEmail[account.Email] = account.NamespaceID
	}
	s.logger.Info().Int("accounts", len(s.byEmail)).Msg("Loaded accounts")
	return s, nil
}

// NamespacePath is the folder of a namespace
func (s *Store) NamespacePath(namespaceID string) string {
	return filepath.Join(s.root, namespaceID)
}

// GraphicsPath is the graphics store root of a namespace
func (s *Store) GraphicsPath(namespaceID string) string {
	return filepath.Join(s.root, namespaceID, GraphicsDir)
}

// CreateAccount registers email and allocates its namespace. An email that is
// already registered gets its existing account back.
func (s *Store) CreateAccount(email string) (types.Account, error) {
	normalized, err := types.NormalizeEmail(email)
	if err != nil {
		return types.Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[normalized]; ok {
		return s.GetAccount(id)
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.newID()
		if !types.IsValidNamespaceID(id) {
			continue
		}
		// Mkdir doubles as the collision check
		if err := os.Mkdir(s.NamespacePath(id), 0755); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return types.Account{}, fmt.Errorf("failed to create namespace folder: %w", err)
		}

		now := s.now()
		account := types.Account{NamespaceID: id, Email: normalized, CreatedAt: now, LastUsed: now}
		if err := s.write(account); err != nil {
			_ = os.RemoveAll(s.NamespacePath(id))
			return types.Account{}, err
		}
		s.byEmail[normalized] = id
		s.cache.Set(id, account)
		s.logger.Info().Str("namespace_id", id).Msg("Account created")
		return account, nil
	}
	return types.Account{}, ErrNamespaceExhausted
}

// GetAccount loads an account, from cache when possible
func (s *Store) GetAccount(namespaceID string) (types.Account, error) {
	if !types.IsValidNamespaceID(namespaceID) {
		return types.Account{}, types.NotFound("namespace %q not found", namespaceID)
	}
	if account, ok := s.cache.Get(namespaceID); ok {
		return account, nil
	}
	account, err := s.read(namespaceID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.Account{}, types.NotFound("namespace %q not found", namespaceID)
		}
		return types.Account{}, err
	}
	s.cache.Set(namespaceID, account)
	return account, nil
}

// TouchAccount records that a namespace was used. The write is skipped when the
// account was already touched within the debounce window.
func (s *Store) TouchAccount(namespaceID string) error {
	account, err := s.GetAccount(namespaceID)
	if err != nil {
		return err
	}
	now := s.now()
	if now.Sub(account.LastUsed) < s.debounce {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account.LastUsed = now
	if err := s.write(account); err != nil {
		return err
	}
	s.cache.Set(namespaceID, account)
	return nil
}

func (s *Store) read(namespaceID string) (types.Account, error) {
	data, err := os.ReadFile(filepath.Join(s.NamespacePath(namespaceID), AccountFile))
	if err != nil {
		return types.Account{}, err
	}
	var account types.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return types.Account{}, fmt.Errorf("%w: %v", ErrCorruptAccount, err)
	}
	if account.NamespaceID != namespaceID {
		return types.Account{}, fmt.Errorf("%w: namespace id %q in folder %s", ErrCorruptAccount, account.NamespaceID, namespaceID)
	}
	return account, nil
}

// write replaces account.json through a temp file and rename
func (s *Store) write(account types.Account) error {
	data, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}
	path := filepath.Join(s.NamespacePath(account.NamespaceID), AccountFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write account: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write account: %w", err)
	}
	return nil
}
