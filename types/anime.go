package types

import (
	"context"
	"time"
)

const (
	SeasonWinter = "winter"
	SeasonSpring = "spring"
	SeasonSummer = "summer"
	SeasonFall   = "fall"
)

// Anime is the source-agnostic catalog item every upstream normalizes into.
type Anime struct {
	ID            string   `json:"id"`
	Source        string   `json:"source"`
	SourceID      int      `json:"source_id"`
	Title         string   `json:"title"`
	TitleEnglish  string   `json:"title_english,omitempty"`
	TitleJapanese string   `json:"title_japanese,omitempty"`
	Synopsis      string   `json:"synopsis,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
	Score         float64  `json:"score,omitempty"`
	Episodes      int      `json:"episodes,omitempty"`
	Status        string   `json:"status,omitempty"`
	Season        string   `json:"season,omitempty"`
	Year          int      `json:"year,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	URL           string   `json:"url,omitempty"`
}

type AnimePage struct {
	Items   []Anime `json:"items"`
	Page    int     `json:"page"`
	HasNext bool    `json:"has_next"`
}

type ScheduleEntry struct {
	AnimeID  string    `json:"anime_id"`
	Source   string    `json:"source"`
	Title    string    `json:"title"`
	Episode  int       `json:"episode"`
	AiringAt time.Time `json:"airing_at"`
	ImageURL string    `json:"image_url,omitempty"`
}

type CatalogService interface {
	Source() string
	GetAnime(ctx context.Context, id int) (*Anime, error)
	Search(ctx context.Context, query string, page int) (*AnimePage, error)
	GetRandom(ctx context.Context) (*Anime, error)
}

type SeasonalCatalog interface {
	GetSeasonal(ctx context.Context, season string, year, page int) (*AnimePage, error)
}

type ScheduleService interface {
	GetDay(ctx context.Context, weekday string) ([]ScheduleEntry, error)
	GetWeek(ctx context.Context, year, week int) ([]ScheduleEntry, error)
}
