package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/polyrelay/account-gateway/internal/utils"
)

// importFile is the on-disk shape of an account import file.
type importFile struct {
	Accounts []importAccount `yaml:"accounts"`
}

type importAccount struct {
	ID           string             `yaml:"id"`
	Platform     string             `yaml:"platform"`
	PlatformID   string             `yaml:"platform_id"`
	RefreshToken string             `yaml:"refresh_token"`
	Priority     int                `yaml:"priority"`
	ProjectID    string             `yaml:"project_id"`
	Region       string             `yaml:"region"`
	ProfileARN   string             `yaml:"profile_arn"`
	ClientID     string             `yaml:"client_id"`
	ClientSecret string             `yaml:"client_secret"`
	AuthMethod   string             `yaml:"auth_method"`
	Quotas       map[string]float64 `yaml:"quotas"`
}

// ImportYAML loads accounts from a YAML file into the repository. Existing
// accounts (matched by id) get their credential and platform fields updated;
// new accounts are inserted active with the listed quotas. Quotas default to
// 100% when the file lists a model with no value.
func ImportYAML(ctx context.Context, repo *SQLRepository, path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return 0, fmt.Errorf("read accounts file: %w", err)
	}
	var f importFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse accounts file: %w", err)
	}

	imported := 0
	for i, ia := range f.Accounts {
		if ia.RefreshToken == "" {
			return imported, fmt.Errorf("accounts[%d]: refresh_token is required", i)
		}
		switch ia.Platform {
		case PlatformAntigravity, PlatformKiro, PlatformOpenAI:
		default:
			return imported, fmt.Errorf("accounts[%d]: unknown platform %q", i, ia.Platform)
		}

		a := &Account{
			ID:           ia.ID,
			Platform:     ia.Platform,
			PlatformID:   ia.PlatformID,
			Status:       StatusActive,
			Schedulable:  true,
			Priority:     ia.Priority,
			RefreshToken: ia.RefreshToken,
			ProjectID:    ia.ProjectID,
			Region:       ia.Region,
			ProfileARN:   ia.ProfileARN,
			ClientID:     ia.ClientID,
			ClientSecret: ia.ClientSecret,
			AuthMethod:   ia.AuthMethod,
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		for model, pct := range ia.Quotas {
			if pct == 0 {
				pct = 100
			}
			a.Quotas = append(a.Quotas, Quota{Model: model, Percentage: pct})
		}

		existing, err := repo.FindByID(ctx, a.ID)
		switch {
		case err == nil:
			existing.RefreshToken = a.RefreshToken
			existing.PlatformID = a.PlatformID
			existing.Priority = a.Priority
			existing.Status = StatusActive
			existing.Schedulable = true
			existing.ErrorMsg = ""
			if err := repo.Update(ctx, existing); err != nil {
				return imported, err
			}
			for _, q := range a.Quotas {
				if err := repo.UpsertQuota(ctx, a.ID, q.Model, q.Percentage, time.Time{}); err != nil {
					return imported, err
				}
			}
		case errors.Is(err, ErrAccountNotFound):
			if err := repo.Insert(ctx, a); err != nil {
				return imported, err
			}
		default:
			return imported, err
		}

		log.Info().
			Str("account_id", a.ID).
			Str("platform", a.Platform).
			Str("refresh_token", utils.MaskKey(a.RefreshToken)).
			Int("quotas", len(a.Quotas)).
			Msg("account imported")
		imported++
	}
	return imported, nil
}
