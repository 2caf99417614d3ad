package assign

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
)

type PostInput struct {
	Title         string         `json:"title"`
	Price         int64          `json:"price"`
	Currency      string         `json:"currency,omitempty"`
	RequiredSlots int            `json:"requiredSlots"`
	Origin        models.Coord   `json:"origin"`
	Destination   models.Coord   `json:"destination"`
	Route         []models.Coord `json:"route,omitempty"`
}

func validCoord(field string, c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return apperr.Invalid(field, "coordinate out of range")
	}
	return nil
}

// Post opens a new job owned by the caller.
func (s *Service) Post(ctx context.Context, actor models.Actor, in PostInput) (models.Job, error) {
	if actor.UserID == "" {
		return models.Job{}, apperr.Unauthenticated("missing actor")
	}
	if actor.Role != models.RoleOwner && actor.Role != models.RoleAdmin {
		return models.Job{}, apperr.Forbidden("only owners post jobs")
	}
	if in.Price <= 0 {
		return models.Job{}, apperr.Invalid("price", "must be positive")
	}
	if in.RequiredSlots == 0 {
		in.RequiredSlots = 1
	}
	if in.RequiredSlots < 0 || in.RequiredSlots > 50 {
		return models.Job{}, apperr.Invalid("requiredSlots", "must be within [1, 50]")
	}
	if err := validCoord("origin", in.Origin); err != nil {
		return models.Job{}, err
	}
	if err := validCoord("destination", in.Destination); err != nil {
		return models.Job{}, err
	}
	for _, c := range in.Route {
		if err := validCoord("route", c); err != nil {
			return models.Job{}, err
		}
	}
	now := s.now()
	job := models.Job{
		ID: uuid.NewString(), OwnerID: actor.UserID, Title: strings.TrimSpace(in.Title),
		Status: models.JobOpen, Price: in.Price, Currency: strings.ToLower(in.Currency),
		RequiredSlots: in.RequiredSlots, AssignedDriverIDs: []string{},
		Origin: in.Origin, Destination: in.Destination, Route: in.Route,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return models.Job{}, apperr.Infra("create job", err)
	}
	logging.FromContext(ctx, s.Logger).Info("job_posted", "job_id", job.ID, "owner_id", job.OwnerID, "slots", job.RequiredSlots, "price", job.Price)
	return job, nil
}
