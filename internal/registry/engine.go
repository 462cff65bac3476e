package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/core/services"
)

// State describes the engine lifecycle. Mutating operations fail until the
// engine reaches StateReady.
type State int

const (
	StateUnconfigured State = iota
	StateLoading
	StateReady
)

// Engine holds the canonical in-memory registry and applies all admission,
// ownership, and download-statistics rules. One Engine is constructed per
// process and handed to the HTTP layer.
type Engine struct {
	validator services.PackageValidator
	logger    zerolog.Logger

	mu       sync.RWMutex
	state    State
	storage  services.RegistryStorage
	admins   map[string]bool
	registry models.Registry
	loaded   chan struct{}

	locksMu   sync.Mutex
	nameLocks map[string]*nameLock

	now func() time.Time
}

// New creates an unconfigured Engine.
func New(validator services.PackageValidator, logger zerolog.Logger) *Engine {
	return &Engine{
		validator: validator,
		logger:    logger,
		nameLocks: make(map[string]*nameLock),
		now:       time.Now,
	}
}

// Configure attaches the storage backend and starts loading the persisted
// registry asynchronously. A load failure is logged and leaves the engine
// in StateLoading; that is a fatal-at-boot condition for the hosting
// process, which is expected to give up via WaitReady.
func (e *Engine) Configure(ctx context.Context, storage services.RegistryStorage, admins []string) error {
	if storage == nil {
		return services.ErrNotConfigured
	}

	adminSet := make(map[string]bool, len(admins))
	for _, a := range admins {
		adminSet[a] = true
	}

	e.mu.Lock()
	e.storage = storage
	e.admins = adminSet
	e.registry = nil
	e.state = StateLoading
	e.loaded = make(chan struct{})
	loaded := e.loaded
	e.mu.Unlock()

	go func() {
		doc, err := storage.GetRegistry(ctx)
		if err != nil {
			e.logger.Error().Err(err).Msg("unable to load registry")
			return
		}
		if doc == nil {
			doc = models.Registry{}
		}
		e.mu.Lock()
		e.registry = doc
		e.state = StateReady
		e.mu.Unlock()
		close(loaded)
	}()
	return nil
}

// WaitReady blocks until the registry finishes loading or ctx expires.
func (e *Engine) WaitReady(ctx context.Context) error {
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if loaded == nil {
		return services.ErrNotConfigured
	}
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the engine's lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Registry returns the live in-memory document, or nil while loading.
// Callers must treat the result as a read-only snapshot.
func (e *Engine) Registry() models.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry
}

func (e *Engine) ready() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readyLocked()
}

func (e *Engine) readyLocked() error {
	if e.storage == nil {
		return services.ErrNotConfigured
	}
	if e.registry == nil {
		return services.ErrRegistryNotLoaded
	}
	return nil
}

// AddPackage validates the package at packagePath and admits it into the
// registry as a new entry or a new version of an existing entry owned by
// userID. The artifact is persisted before the registry is mutated, so the
// registry never references bytes that failed to store.
func (e *Engine) AddPackage(ctx context.Context, packagePath, userID string) (*models.Entry, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	result, err := e.validator.Validate(ctx, packagePath)
	if err != nil {
		return nil, fmt.Errorf("validating package: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, &services.ValidationError{Errors: result.Errors}
	}

	metadata := *result.Metadata
	name := metadata.Name

	// At most one in-flight admission per name. This closes the
	// read-check-commit race between concurrent uploads of the same
	// extension; uploads of different extensions still interleave freely.
	unlock := e.lockName(name)
	defer unlock()

	e.mu.RLock()
	duplicate := e.titleAlreadyPresentLocked(name, metadata.Title)
	entry := e.registry[name].Clone()
	e.mu.RUnlock()

	if duplicate {
		return nil, &services.ValidationError{
			Errors: [][]string{{services.CodeDuplicateTitle, metadata.Title}},
		}
	}

	record := models.VersionRecord{
		Version:   metadata.Version,
		Published: e.now().UTC(),
	}
	if metadata.Engines != nil {
		record.Brackets = metadata.Engines.Brackets
	}

	if entry != nil {
		if entry.Owner != userID {
			return nil, services.ErrNotAuthorized
		}
		newVersion, err := semver.NewVersion(metadata.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", services.ErrBadVersion, metadata.Version)
		}
		last := entry.Versions[len(entry.Versions)-1].Version
		lastVersion, err := semver.NewVersion(last)
		if err != nil {
			return nil, fmt.Errorf("%w: stored version %q", services.ErrBadVersion, last)
		}
		if !newVersion.GreaterThan(lastVersion) {
			return nil, services.ErrBadVersion
		}
		entry.Versions = append(entry.Versions, record)
		entry.Metadata = metadata
	} else {
		entry = &models.Entry{
			Metadata: metadata,
			Owner:    userID,
			Versions: []models.VersionRecord{record},
		}
	}

	if err := e.storage.SavePackage(ctx, entry, packagePath); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.registry[name] = entry
	snapshot := e.registry.Clone()
	e.mu.Unlock()
	e.storage.SaveRegistry(snapshot)

	e.logger.Info().
		Str("name", name).
		Str("version", metadata.Version).
		Str("owner", entry.Owner).
		Msg("package admitted")
	return entry, nil
}

// DeletePackageMetadata removes the entry from the registry. Only the
// owner or an admin may delete; the stored artifacts are left in place.
func (e *Engine) DeletePackageMetadata(name, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	e.mu.Lock()
	entry, ok := e.registry[name]
	if !ok {
		e.mu.Unlock()
		return services.ErrUnknownExtension
	}
	if entry.Owner != userID && !e.admins[userID] {
		e.mu.Unlock()
		return services.ErrNotAuthorized
	}
	delete(e.registry, name)
	snapshot := e.registry.Clone()
	e.mu.Unlock()

	e.storage.SaveRegistry(snapshot)
	e.logger.Info().Str("name", name).Str("user", userID).Msg("package metadata deleted")
	return nil
}

// ChangePackageOwner reassigns the entry to newOwner. Only the current
// owner or an admin may transfer ownership.
func (e *Engine) ChangePackageOwner(name, userID, newOwner string) error {
	if err := e.ready(); err != nil {
		return err
	}

	e.mu.Lock()
	entry, ok := e.registry[name]
	if !ok {
		e.mu.Unlock()
		return services.ErrUnknownExtension
	}
	if entry.Owner != userID && !e.admins[userID] {
		e.mu.Unlock()
		return services.ErrNotAuthorized
	}
	entry.Owner = newOwner
	snapshot := e.registry.Clone()
	e.mu.Unlock()

	e.storage.SaveRegistry(snapshot)
	e.logger.Info().Str("name", name).Str("newOwner", newOwner).Msg("package owner changed")
	return nil
}

// ChangePackageRequirements overwrites the compatibility range on every
// version record of the entry. The update is deliberately global: the
// range reflects the author's latest blanket statement, not a per-release
// fact.
func (e *Engine) ChangePackageRequirements(name, userID, requirements string) error {
	if err := e.ready(); err != nil {
		return err
	}

	e.mu.Lock()
	entry, ok := e.registry[name]
	if !ok {
		e.mu.Unlock()
		return services.ErrUnknownExtension
	}
	if entry.Owner != userID && !e.admins[userID] {
		e.mu.Unlock()
		return services.ErrNotAuthorized
	}
	for i := range entry.Versions {
		entry.Versions[i].Brackets = requirements
	}
	snapshot := e.registry.Clone()
	e.mu.Unlock()

	e.storage.SaveRegistry(snapshot)
	e.logger.Info().Str("name", name).Str("requirements", requirements).Msg("package requirements changed")
	return nil
}

// AddDownloadDataToPackage folds log-derived download counts into the
// entry. Deltas for unknown names or versions are stale data from deleted
// or renamed extensions and are dropped silently. The recent map is
// resynchronized, not accumulated: incoming values win on date collision.
func (e *Engine) AddDownloadDataToPackage(name string, versionDeltas, recentDeltas map[string]int64) {
	if e.ready() != nil {
		return
	}

	e.mu.Lock()
	entry, ok := e.registry[name]
	if !ok {
		e.mu.Unlock()
		return
	}

	updated := false
	for i := range entry.Versions {
		delta, ok := versionDeltas[entry.Versions[i].Version]
		if !ok || delta == 0 {
			continue
		}
		entry.Versions[i].Downloads += delta
		entry.TotalDownloads += delta
		updated = true
	}
	if mergeRecent(entry, recentDeltas) {
		updated = true
	}

	var snapshot models.Registry
	if updated {
		snapshot = e.registry.Clone()
	}
	e.mu.Unlock()

	if updated {
		e.storage.SaveRegistry(snapshot)
	}
}

// titleAlreadyPresentLocked reports whether another entry already uses the
// given title, case-insensitively. Empty titles never collide. Callers
// hold at least a read lock.
func (e *Engine) titleAlreadyPresentLocked(name, title string) bool {
	if title == "" {
		return false
	}
	for key, entry := range e.registry {
		if key == name {
			continue
		}
		if entry.Metadata.Title != "" && strings.EqualFold(entry.Metadata.Title, title) {
			return true
		}
	}
	return false
}

func (e *Engine) lockName(name string) func() {
	e.locksMu.Lock()
	lock, ok := e.nameLocks[name]
	if !ok {
		lock = &nameLock{}
		e.nameLocks[name] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.nameLocks, name)
		}
		e.locksMu.Unlock()
	}
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}
