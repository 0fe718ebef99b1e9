package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/patrickmn/go-cache"
)

// Species is a user species entry on the server.
type Species struct {
	ID                string `json:"id"`
	ScientificName    string `json:"scientificName,omitempty"`
	ScientificSpecies string `json:"scientificSpecies,omitempty"`
	Aliases           string `json:"aliases,omitempty"`
	Image             string `json:"image,omitempty"`
}

// CreateSpeciesRequest adds a species, optionally with a photo.
type CreateSpeciesRequest struct {
	ScientificSpecies string
	Aliases           string
	Image             []byte
}

// UpdateSpeciesRequest changes the aliases and/or photo of a species. Empty
// fields are left untouched.
type UpdateSpeciesRequest struct {
	Aliases string
	Image   []byte
}

type speciesBody struct {
	ImageFile         string `json:"imageFile,omitempty"`
	ScientificSpecies string `json:"scientificSpecies,omitempty"`
	Aliases           string `json:"aliases,omitempty"`
}

// ListSpecies returns the user's species. Results are cached per token.
func (c *Client) ListSpecies(ctx context.Context, creds Credentials) ([]Species, error) {
	key := speciesCacheKey(creds)
	if v, ok := c.species.Get(key); ok {
		return v.([]Species), nil
	}

	var list []Species
	if _, _, err := c.do(ctx, creds, http.MethodGet, "/species", nil, &list); err != nil {
		return nil, fmt.Errorf("list species: %w", err)
	}
	c.species.Set(key, list, cache.DefaultExpiration)
	return list, nil
}

// CreateSpecies adds a species and drops the cached list.
func (c *Client) CreateSpecies(ctx context.Context, creds Credentials, req CreateSpeciesRequest) (*Species, error) {
	body := speciesBody{
		ScientificSpecies: req.ScientificSpecies,
		Aliases:           req.Aliases,
	}
	if len(req.Image) > 0 {
		body.ImageFile = dataURI("image/jpeg", req.Image)
	}

	var sp Species
	if _, _, err := c.do(ctx, creds, http.MethodPost, "/species", body, &sp); err != nil {
		return nil, fmt.Errorf("create species %q: %w", req.ScientificSpecies, err)
	}
	c.species.Delete(speciesCacheKey(creds))
	return &sp, nil
}

// UpdateSpecies changes a species and drops the cached list.
func (c *Client) UpdateSpecies(ctx context.Context, creds Credentials, id string, req UpdateSpeciesRequest) error {
	body := speciesBody{Aliases: req.Aliases}
	if len(req.Image) > 0 {
		body.ImageFile = dataURI("image/jpeg", req.Image)
	}
	if _, _, err := c.do(ctx, creds, http.MethodPut, "/species/"+url.PathEscape(id), body, nil); err != nil {
		return fmt.Errorf("update species %s: %w", id, err)
	}
	c.species.Delete(speciesCacheKey(creds))
	return nil
}

func speciesCacheKey(creds Credentials) string {
	return "species:" + creds.Token
}
