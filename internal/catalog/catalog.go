// Package catalog serves the read-only emotion categories and intensity
// levels records refer to.
package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned for unknown category or intensity IDs.
var ErrNotFound = errors.New("catalog entry not found")

type Category struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
}

type Intensity struct {
	ID            int `json:"id"`
	ColorModifier int `json:"color_modifier"`
}

// Catalog looks up categories and intensities.
type Catalog interface {
	Category(ctx context.Context, id string) (Category, error)
	Intensity(ctx context.Context, id int) (Intensity, error)
	Categories(ctx context.Context) ([]Category, error)
	Intensities(ctx context.Context) ([]Intensity, error)
}

var seedCategories = []Category{
	{ID: "unpleasant", Label: "ふゆかい", Color: "#FF0000"},
	{ID: "angry", Label: "いかり", Color: "#FF0000"},
	{ID: "embarrassed", Label: "はずかしい", Color: "#FF0000"},
	{ID: "nervous", Label: "きんちょう", Color: "#FF0000"},
	{ID: "scared", Label: "こわい", Color: "#0000FF"},
	{ID: "sad", Label: "かなしい", Color: "#0000FF"},
	{ID: "troubled", Label: "こまった", Color: "#0000FF"},
	{ID: "relieved", Label: "あんしん", Color: "#00CC66"},
	{ID: "surprised", Label: "びっくり", Color: "#00CC66"},
	{ID: "unsure", Label: "わからない", Color: "#999999"},
	{ID: "happy", Label: "うれしい", Color: "#FFCC00"},
	{ID: "fun", Label: "ゆかい", Color: "#FFCC00"},
}

var seedIntensities = []Intensity{
	{ID: 1, ColorModifier: 40},
	{ID: 2, ColorModifier: 70},
	{ID: 3, ColorModifier: 100},
}

// Static is an in-memory Catalog.
type Static struct {
	categories  []Category
	intensities []Intensity
	byID        map[string]Category
}

// NewStatic returns the built-in catalog.
func NewStatic() *Static {
	return NewStaticFrom(seedCategories, seedIntensities)
}

// NewStaticFrom builds a catalog from explicit entries.
func NewStaticFrom(categories []Category, intensities []Intensity) *Static {
	s := &Static{
		categories:  append([]Category(nil), categories...),
		intensities: append([]Intensity(nil), intensities...),
		byID:        make(map[string]Category, len(categories)),
	}
	for _, c := range s.categories {
		s.byID[c.ID] = c
	}
	return s
}

func (s *Static) Category(_ context.Context, id string) (Category, error) {
	c, ok := s.byID[id]
	if !ok {
		return Category{}, ErrNotFound
	}
	return c, nil
}

func (s *Static) Intensity(_ context.Context, id int) (Intensity, error) {
	for _, in := range s.intensities {
		if in.ID == id {
			return in, nil
		}
	}
	return Intensity{}, ErrNotFound
}

func (s *Static) Categories(context.Context) ([]Category, error) {
	return append([]Category(nil), s.categories...), nil
}

func (s *Static) Intensities(context.Context) ([]Intensity, error) {
	return append([]Intensity(nil), s.intensities...), nil
}
