// Command bootstrap-admin seeds or promotes an administrator account for an
// organization in the Postgres document store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"videovault/internal/models"
	"videovault/internal/store"
	"videovault/internal/tokens"
)

func main() {
	var (
		postgresDSN string
		email       string
		displayName string
		password    string
		orgName     string
	)

	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "Email address for the admin account")
	flag.StringVar(&displayName, "name", "Administrator", "Display name for the admin account")
	flag.StringVar(&password, "password", "", "Password for the admin account")
	flag.StringVar(&orgName, "organization", "", "Organization name to own this admin (created if it does not exist)")
	flag.Parse()

	if strings.TrimSpace(postgresDSN) == "" {
		fatalf("--postgres-dsn is required")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}
	if strings.TrimSpace(displayName) == "" {
		fatalf("--name cannot be empty")
	}
	if strings.TrimSpace(orgName) == "" {
		fatalf("--organization is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.Open(ctx, postgresDSN)
	if err != nil {
		fatalf("open document store: %v", err)
	}
	defer st.Close()

	user, created, err := bootstrapAdmin(ctx, st, email, displayName, password, orgName)
	if err != nil {
		fatalf("bootstrap admin: %v", err)
	}

	state := "updated"
	if created {
		state = "created"
	}
	fmt.Printf("Admin user %s (%s) %s successfully in organization %s.\n", user.Email, user.Name, state, user.OrganizationID)
	fmt.Println("Remember to rotate this password after the first login.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugNonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// bootstrapAdmin finds-or-creates the named organization, then looks the user
// up by email across all organizations: a new user is created as admin of
// that organization, while an existing user is promoted to admin (and has its
// password rehashed) in the organization it already belongs to, per spec.md
// 3's single-admin-per-organization bootstrap path.
func bootstrapAdmin(ctx context.Context, st *store.Store, email, displayName, password, orgName string) (models.User, bool, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)
	orgName = strings.TrimSpace(orgName)

	slug := slugify(orgName)
	if slug == "" {
		return models.User{}, false, fmt.Errorf("organization name %q has no usable slug", orgName)
	}

	org, err := st.GetOrganizationBySlug(ctx, slug)
	switch {
	case err == nil:
		// existing organization, attach or promote within it
	case err == store.ErrNotFound:
		org = models.Organization{
			ID:   uuid.NewString(),
			Name: orgName,
			Slug: slug,
			Settings: models.OrganizationSettings{
				MaxStorageGB:   100,
				MaxVideoSizeMB: 2048,
				AllowedFormats: []string{"mp4", "mov", "webm", "mkv"},
			},
			Active: true,
		}
		if createErr := st.CreateOrganization(ctx, org); createErr != nil {
			return models.User{}, false, fmt.Errorf("create organization: %w", createErr)
		}
	default:
		return models.User{}, false, fmt.Errorf("look up organization: %w", err)
	}

	existing, err := st.GetUserByEmail(ctx, normalizedEmail)
	switch {
	case err == nil:
		return updateAdmin(ctx, st, existing, displayName, password)
	case err == store.ErrNotFound:
		hash, hashErr := tokens.HashPassword(password, 0)
		if hashErr != nil {
			return models.User{}, false, fmt.Errorf("hash password: %w", hashErr)
		}
		user := models.User{
			ID:             uuid.NewString(),
			Email:          normalizedEmail,
			PasswordHash:   hash,
			Name:           displayName,
			Role:           models.RoleAdmin,
			OrganizationID: org.ID,
			Active:         true,
		}
		if createErr := st.CreateUser(ctx, user); createErr != nil {
			return models.User{}, false, fmt.Errorf("create user: %w", createErr)
		}
		if setErr := st.SetOrganizationOwner(ctx, org.ID, user.ID); setErr != nil {
			return models.User{}, false, fmt.Errorf("set organization owner: %w", setErr)
		}
		return user, true, nil
	default:
		return models.User{}, false, fmt.Errorf("look up user: %w", err)
	}
}

func updateAdmin(ctx context.Context, st *store.Store, existing models.User, displayName, password string) (models.User, bool, error) {
	if existing.Role != models.RoleAdmin {
		if err := st.SetUserRole(ctx, existing.ID, models.RoleAdmin); err != nil {
			return models.User{}, false, fmt.Errorf("promote user to admin: %w", err)
		}
		existing.Role = models.RoleAdmin
	}

	hash, err := tokens.HashPassword(password, 0)
	if err != nil {
		return models.User{}, false, fmt.Errorf("hash password: %w", err)
	}
	existing.Name = displayName
	existing.PasswordHash = hash
	if err := st.UpdateUserProfile(ctx, existing.ID, displayName, hash); err != nil {
		return models.User{}, false, fmt.Errorf("update user: %w", err)
	}
	return existing, false, nil
}
