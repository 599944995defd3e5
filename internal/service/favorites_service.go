package service

import (
	"fmt"
	"log"
	"sync"

	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/store"
)

const favoritesKey = "favorites"

// FavoritesService stores the client's favorite list as an opaque document.
type FavoritesService struct {
	repo store.Repository
	mu   sync.Mutex
}

// NewFavoritesService creates a favorites service backed by repo.
func NewFavoritesService(repo store.Repository) *FavoritesService {
	return &FavoritesService{repo: repo}
}

// List returns all favorites. An unreadable document reads as empty.
func (s *FavoritesService) List() []model.Favorite {
	s.mu.Lock()
	defer s.mu.Unlock()

	favorites, _, err := s.load()
	if err != nil {
		log.Printf("Ignoring unreadable favorites: %v", err)
		return []model.Favorite{}
	}
	return favorites
}

// Replace overwrites the stored list.
func (s *FavoritesService) Replace(favorites []model.Favorite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if favorites == nil {
		favorites = []model.Favorite{}
	}
	if err := s.repo.Save(favoritesKey, favorites); err != nil {
		return fmt.Errorf("save favorites: %w", err)
	}
	return nil
}

// Delete removes every favorite with the given id.
func (s *FavoritesService) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	favorites, found, err := s.load()
	if err != nil {
		return fmt.Errorf("load favorites: %w", err)
	}
	if !found {
		return notFound("Favorites file not found")
	}

	kept := favorites[:0]
	for _, f := range favorites {
		if f.ID() != id {
			kept = append(kept, f)
		}
	}
	if err := s.repo.Save(favoritesKey, kept); err != nil {
		return fmt.Errorf("save favorites: %w", err)
	}
	return nil
}

func (s *FavoritesService) load() ([]model.Favorite, bool, error) {
	favorites := []model.Favorite{}
	found, err := s.repo.Load(favoritesKey, &favorites)
	if err != nil {
		return []model.Favorite{}, found, err
	}
	if favorites == nil {
		favorites = []model.Favorite{}
	}
	return favorites, found, nil
}
