package teams

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ErrDuplicateSlug indicates the slug is already taken.
var ErrDuplicateSlug = errors.New("teams: slug already in use")

// RepositoryPort defines data access methods for teams.
type RepositoryPort interface {
	ListTeams(ctx context.Context) ([]Team, error)
	FindTeamByID(ctx context.Context, id int64) (*Team, error)
	InsertTeam(ctx context.Context, name, slug string) (*Team, error)
	UpdateTeam(ctx context.Context, id int64, name string) (*Team, error)
	DeleteTeam(ctx context.Context, id int64) error
	ListMembers(ctx context.Context, teamID int64) ([]Member, error)
}

// Service handles team business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListTeams returns all teams.
func (s *Service) ListTeams(ctx context.Context) ([]Team, error) {
	return s.repo.ListTeams(ctx)
}

// GetTeam fetches a single team.
func (s *Service) GetTeam(ctx context.Context, id int64) (*Team, error) {
	return s.repo.FindTeamByID(ctx, id)
}

// CreateTeam creates a team, deriving the slug from the name.
func (s *Service) CreateTeam(ctx context.Context, name string) (*Team, error) {
	return s.repo.InsertTeam(ctx, name, Slugify(name))
}

// RenameTeam updates the display name. The slug is stable once issued.
func (s *Service) RenameTeam(ctx context.Context, id int64, name string) (*Team, error) {
	return s.repo.UpdateTeam(ctx, id, name)
}

// DeleteTeam removes a team.
func (s *Service) DeleteTeam(ctx context.Context, id int64) error {
	return s.repo.DeleteTeam(ctx, id)
}

// ListMembers returns a team's active members.
func (s *Service) ListMembers(ctx context.Context, teamID int64) ([]Member, error) {
	return s.repo.ListMembers(ctx, teamID)
}

// Slugify lowercases a name and collapses non-alphanumeric runs into single
// hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
