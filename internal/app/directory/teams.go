package directory

import (
	"context"
	"errors"
	"strings"

	"huddle/internal/app/docstore"
	"huddle/internal/app/messaging/schema"
	"huddle/internal/domain/team"
)

type teamDoc struct {
	ID        string   `bson:"_id"`
	Name      string   `bson:"name"`
	CoachIDs  []string `bson:"coach_ids"`
	PlayerIDs []string `bson:"player_ids"`
	ParentIDs []string `bson:"parent_ids"`
}

// Teams reads and writes rosters in the teams collection.
type Teams struct {
	store docstore.Store
}

func NewTeams(store docstore.Store) *Teams {
	return &Teams{store: store}
}

func (t *Teams) ByID(ctx context.Context, id string) (team.Team, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return team.Team{}, team.ErrIDRequired
	}
	var doc teamDoc
	if err := t.store.Get(ctx, schema.Teams, id, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return team.Team{}, team.ErrNotFound
		}
		return team.Team{}, err
	}
	return team.Team{
		ID:        doc.ID,
		Name:      doc.Name,
		CoachIDs:  doc.CoachIDs,
		PlayerIDs: doc.PlayerIDs,
		ParentIDs: doc.ParentIDs,
	}, nil
}

func (t *Teams) Save(ctx context.Context, tm team.Team) error {
	if err := tm.Validate(); err != nil {
		return err
	}
	doc := teamDoc{
		ID:        strings.TrimSpace(tm.ID),
		Name:      strings.TrimSpace(tm.Name),
		CoachIDs:  nonNil(tm.CoachIDs),
		PlayerIDs: nonNil(tm.PlayerIDs),
		ParentIDs: nonNil(tm.ParentIDs),
	}
	return t.store.Set(ctx, schema.Teams, doc.ID, doc)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

var _ team.Repository = (*Teams)(nil)
