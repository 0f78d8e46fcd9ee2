package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/formflow/model"
)

// Seed is the content of a seed file: records loaded into an empty or
// existing store at startup.
type Seed struct {
	Users       []model.User            `json:"users"`
	Grants      []model.PermissionGrant `json:"grants"`
	Submissions []model.Submission      `json:"submissions"`
}

// LoadSeedFile reads a YAML seed file. Keys follow the JSON field names of
// the model types.
func LoadSeedFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}

	// Round-trip through JSON so the model's json tags apply.
	bridged, err := json.Marshal(raw)
	if err != nil {
		return Seed{}, fmt.Errorf("convert seed %s: %w", path, err)
	}
	var seed Seed
	if err := json.Unmarshal(bridged, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return seed, nil
}

// SeedResult counts the records written by ApplySeed.
type SeedResult struct {
	Users       int
	Grants      int
	Submissions int
	Skipped     int
}

// ApplySeed writes the seed into s. Users and grants are upserted;
// submissions that already exist are skipped so a restart keeps their
// workflow state.
func ApplySeed(ctx context.Context, s Store, seed Seed) (SeedResult, error) {
	var res SeedResult
	now := time.Now().UTC()

	for _, u := range seed.Users {
		if err := s.PutUser(ctx, u); err != nil {
			return res, fmt.Errorf("seed user %q: %w", u.ID, err)
		}
		res.Users++
	}

	for _, g := range seed.Grants {
		if g.ID == "" {
			g.ID = uuid.New().String()
		}
		if g.CreatedAt.IsZero() {
			g.CreatedAt = now
		}
		if g.UpdatedAt.IsZero() {
			g.UpdatedAt = now
		}
		if _, err := s.UpsertGrant(ctx, g); err != nil {
			return res, fmt.Errorf("seed grant %s/%s for %q: %w", g.Resource, g.ResourceID, g.User, err)
		}
		res.Grants++
	}

	for _, sub := range seed.Submissions {
		_, err := s.CreateSubmission(ctx, sub)
		if model.ErrorCode(err) == model.ErrConflict {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed submission %q: %w", sub.ID, err)
		}
		res.Submissions++
	}

	return res, nil
}
