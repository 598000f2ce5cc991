package playbook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsmend/remedy-engine/internal/models"
)

// ErrImmutableVersion signals an attempt to republish an existing playbook
// version with different content.
var ErrImmutableVersion = errors.New("playbook version already published with different content")

// Registry stores published playbooks and resolves failures to candidates.
type Registry struct {
	mu           sync.RWMutex
	logger       *slog.Logger
	actions      *Actions
	versions     map[string][]*Playbook // ascending by version
	fingerprints map[string]string      // "id@version" -> content hash
}

// NewRegistry constructs a registry validating against the given action set.
func NewRegistry(logger *slog.Logger, actions *Actions) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:       logger,
		actions:      actions,
		versions:     make(map[string][]*Playbook),
		fingerprints: make(map[string]string),
	}
}

// Actions exposes the action registry playbooks are validated against.
func (r *Registry) Actions() *Actions {
	return r.actions
}

// Publish validates and stores a playbook version. Republishing an identical
// version is a no-op; republishing with different content fails with
// ErrImmutableVersion.
func (r *Registry) Publish(pb *Playbook) error {
	if err := pb.Validate(r.actions); err != nil {
		return err
	}
	fingerprint, err := fingerprint(pb)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s@%d", pb.ID, pb.Version)
	if existing, ok := r.fingerprints[key]; ok {
		if existing == fingerprint {
			return nil
		}
		return fmt.Errorf("%s: %w", key, ErrImmutableVersion)
	}

	pb.PublishedAt = time.Now().UTC()
	r.fingerprints[key] = fingerprint
	r.versions[pb.ID] = append(r.versions[pb.ID], pb)
	sort.Slice(r.versions[pb.ID], func(i, j int) bool {
		return r.versions[pb.ID][i].Version < r.versions[pb.ID][j].Version
	})

	r.logger.Info("playbook published",
		slog.String("playbook_id", pb.ID),
		slog.Int("version", pb.Version),
		slog.Int("priority", pb.Priority),
		slog.Int("steps", len(pb.Steps)))
	return nil
}

// Latest returns the newest version of a playbook.
func (r *Registry) Latest(id string) (*Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.versions[id]
	if len(versions) == 0 {
		return nil, false
	}
	return versions[len(versions)-1], true
}

// Get returns a specific playbook version.
func (r *Registry) Get(id string, version int) (*Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pb := range r.versions[id] {
		if pb.Version == version {
			return pb, true
		}
	}
	return nil, false
}

// List returns the latest version of every playbook, sorted by ID.
func (r *Registry) List() []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Playbook, 0, len(r.versions))
	for _, versions := range r.versions {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the latest versions whose trigger patterns match the
// failure, ordered by priority; ties go to the most recently published.
// Manual-tier playbooks are excluded: they never run automatically.
func (r *Registry) Lookup(failure models.Failure) []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Playbook
	for _, versions := range r.versions {
		latest := versions[len(versions)-1]
		if latest.Matches(failure) {
			matched = append(matched, latest)
		}
	}
	// Runnable playbooks rank ahead of manual ones; a manual match still
	// surfaces so the failure escalates with the runbook's steps instead
	// of counting as a coverage gap.
	sort.Slice(matched, func(i, j int) bool {
		iManual := matched[i].Tier == TierManual
		jManual := matched[j].Tier == TierManual
		if iManual != jManual {
			return jManual
		}
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].PublishedAt.After(matched[j].PublishedAt)
	})
	return matched
}

// LoadDir publishes every playbook found under dir.
func (r *Registry) LoadDir(dir string) error {
	playbooks, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, pb := range playbooks {
		if err := r.Publish(pb); err != nil {
			return err
		}
	}
	return nil
}

// Watch reloads packs when files under dir change, until ctx is cancelled.
// New versions are published; in-place edits of published versions are
// rejected by Publish and logged, preserving immutability.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create playbook watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch playbook dir: %w", err)
	}
	r.logger.Info("watching playbook directory", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			r.reloadFile(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("playbook watcher error", slog.Any("error", err))
		}
	}
}

func (r *Registry) reloadFile(path string) {
	playbooks, err := LoadFile(path)
	if err != nil {
		r.logger.Warn("playbook reload failed", slog.String("path", path), slog.Any("error", err))
		return
	}
	for _, pb := range playbooks {
		if err := r.Publish(pb); err != nil {
			if errors.Is(err, ErrImmutableVersion) {
				r.logger.Warn("rejected in-place edit of published playbook",
					slog.String("playbook_id", pb.ID),
					slog.Int("version", pb.Version))
				continue
			}
			r.logger.Warn("playbook publish failed", slog.String("playbook_id", pb.ID), slog.Any("error", err))
		}
	}
}

func fingerprint(pb *Playbook) (string, error) {
	data, err := json.Marshal(pb)
	if err != nil {
		return "", fmt.Errorf("fingerprint playbook %s: %w", pb.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
