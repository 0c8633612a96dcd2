package anime

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const kitsuPageSize = 20

var (
	KitsuTrendingPolicy = Policy{TTL: time.Hour, Persistent: true}
	KitsuAnimePolicy    = Policy{TTL: time.Hour, StaleTime: 15 * time.Minute, Persistent: true}
	KitsuSearchPolicy   = Policy{TTL: 15 * time.Minute}
	kitsuCountPolicy    = Policy{TTL: 24 * time.Hour}
)

type kitsuResource struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Slug           string            `json:"slug"`
		CanonicalTitle string            `json:"canonicalTitle"`
		Title          string            `json:"title"`
		Titles         map[string]string `json:"titles"`
		Synopsis       string            `json:"synopsis"`
		AverageRating  string            `json:"averageRating"`
		EpisodeCount   int               `json:"episodeCount"`
		Status         string            `json:"status"`
		StartDate      string            `json:"startDate"`
		PosterImage    *struct {
			Original string `json:"original"`
			Large    string `json:"large"`
			Medium   string `json:"medium"`
		} `json:"posterImage"`
	} `json:"attributes"`
	Relationships struct {
		Categories struct {
			Data []kitsuRef `json:"data"`
		} `json:"categories"`
	} `json:"relationships"`
}

type kitsuRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type kitsuList struct {
	Data     []kitsuResource `json:"data"`
	Included []kitsuResource `json:"included"`
	Meta     struct {
		Count int `json:"count"`
	} `json:"meta"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type kitsuItem struct {
	Data     *kitsuResource  `json:"data"`
	Included []kitsuResource `json:"included"`
}

// KitsuService reads the Kitsu JSON:API catalog.
type KitsuService struct {
	loader *Loader
	caller types.UpstreamCaller
	intn   func(n int) int
}

func NewKitsuService(loader *Loader, caller types.UpstreamCaller) *KitsuService {
	return &KitsuService{loader: loader, caller: caller, intn: rand.IntN}
}

func (s *KitsuService) Source() string { return types.UpstreamKitsu }

func (s *KitsuService) GetTrending(ctx context.Context) (*types.AnimePage, error) {
	key := utils.BuildKey(types.UpstreamKitsu, "trending")

	return Load(ctx, s.loader, key, KitsuTrendingPolicy, func(ctx context.Context) (*types.AnimePage, error) {
		list, err := s.fetchList(ctx, "/trending/anime", nil)
		if err != nil {
			return nil, err
		}
		return s.toPage(list, 1), nil
	})
}

func (s *KitsuService) GetAnime(ctx context.Context, id int) (*types.Anime, error) {
	if err := validatePositive("id", id); err != nil {
		return nil, err
	}

	key := utils.BuildKey(types.UpstreamKitsu, "anime", id)
	path := "/anime/" + strconv.Itoa(id)

	return Load(ctx, s.loader, key, KitsuAnimePolicy, func(ctx context.Context) (*types.Anime, error) {
		item, err := fetchJSON[kitsuItem](ctx, s.caller, types.UpstreamKitsu, fasthttp.MethodGet, path, nil,
			&types.CallOptions{Query: map[string]string{"include": "categories"}})
		if err != nil {
			return nil, err
		}
		if item.Data == nil {
			return nil, types.Errorf(types.ErrUpstreamPayload, "kitsu %s: missing data", path)
		}

		anime := normalizeKitsu(item.Data, categoryTitles(item.Included))
		return &anime, nil
	})
}

func (s *KitsuService) Search(ctx context.Context, query string, page int) (*types.AnimePage, error) {
	query, err := normalizeQuery(query)
	if err != nil {
		return nil, err
	}
	if err := validatePositive("page", page); err != nil {
		return nil, err
	}

	key := utils.BuildKey(types.UpstreamKitsu, "search", query, page)

	return Load(ctx, s.loader, key, KitsuSearchPolicy, func(ctx context.Context) (*types.AnimePage, error) {
		list, err := s.fetchList(ctx, "/anime", map[string]string{
			"filter[text]": query,
			"page[limit]":  strconv.Itoa(kitsuPageSize),
			"page[offset]": strconv.Itoa((page - 1) * kitsuPageSize),
		})
		if err != nil {
			return nil, err
		}
		return s.toPage(list, page), nil
	})
}

// GetRandom picks a uniformly random offset into the catalog. Kitsu has no
// random endpoint; the catalog size is cached for a day.
func (s *KitsuService) GetRandom(ctx context.Context) (*types.Anime, error) {
	count, err := Load(ctx, s.loader, utils.BuildKey(types.UpstreamKitsu, "count"), kitsuCountPolicy, func(ctx context.Context) (int, error) {
		list, err := s.fetchList(ctx, "/anime", map[string]string{"page[limit]": "1"})
		if err != nil {
			return 0, err
		}
		return list.Meta.Count, nil
	})
	if err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, types.Errorf(types.ErrUpstreamPayload, "kitsu catalog is empty")
	}

	offset := s.intn(count)

	return LoadFresh(ctx, s.loader, func(ctx context.Context) (*types.Anime, error) {
		list, err := s.fetchList(ctx, "/anime", map[string]string{
			"page[limit]":  "1",
			"page[offset]": strconv.Itoa(offset),
		})
		if err != nil {
			return nil, err
		}
		if len(list.Data) == 0 {
			return nil, types.Errorf(types.ErrUpstreamPayload, "kitsu offset %d: no data", offset)
		}

		anime := normalizeKitsu(&list.Data[0], categoryTitles(list.Included))
		return &anime, nil
	})
}

func (s *KitsuService) fetchList(ctx context.Context, path string, query map[string]string) (*kitsuList, error) {
	if query == nil {
		query = make(map[string]string, 1)
	}
	query["include"] = "categories"

	return fetchJSON[kitsuList](ctx, s.caller, types.UpstreamKitsu, fasthttp.MethodGet, path, nil, &types.CallOptions{
		Query:   query,
		Headers: map[string]string{fasthttp.HeaderAccept: "application/vnd.api+json"},
	})
}

func (s *KitsuService) toPage(list *kitsuList, page int) *types.AnimePage {
	categories := categoryTitles(list.Included)

	result := &types.AnimePage{
		Items:   make([]types.Anime, 0, len(list.Data)),
		Page:    page,
		HasNext: list.Links.Next != "",
	}
	for i := range list.Data {
		result.Items = append(result.Items, normalizeKitsu(&list.Data[i], categories))
	}

	return result
}

func categoryTitles(included []kitsuResource) map[string]string {
	titles := make(map[string]string)
	for _, res := range included {
		if res.Type == "categories" {
			titles[res.ID] = res.Attributes.Title
		}
	}
	return titles
}

func normalizeKitsu(r *kitsuResource, categories map[string]string) types.Anime {
	attrs := r.Attributes
	id, _ := strconv.Atoi(r.ID)

	anime := types.Anime{
		ID:            "kitsu-" + r.ID,
		Source:        types.UpstreamKitsu,
		SourceID:      id,
		Title:         attrs.CanonicalTitle,
		TitleEnglish:  attrs.Titles["en"],
		TitleJapanese: attrs.Titles["ja_jp"],
		Synopsis:      attrs.Synopsis,
		Episodes:      attrs.EpisodeCount,
		Status:        attrs.Status,
		URL:           "https://kitsu.io/anime/" + attrs.Slug,
	}

	if anime.TitleEnglish == "" {
		anime.TitleEnglish = attrs.Titles["en_us"]
	}

	// averageRating is a percentage string such as "82.47"
	if rating, err := strconv.ParseFloat(attrs.AverageRating, 64); err == nil {
		anime.Score = rating / 10
	}

	if attrs.PosterImage != nil {
		anime.ImageURL = attrs.PosterImage.Large
		if anime.ImageURL == "" {
			anime.ImageURL = attrs.PosterImage.Original
		}
	}

	if start, err := time.Parse(time.DateOnly, attrs.StartDate); err == nil {
		anime.Year = start.Year()
		anime.Season = seasonOfMonth(int(start.Month()))
	}

	for _, ref := range r.Relationships.Categories.Data {
		if title, ok := categories[ref.ID]; ok {
			anime.Genres = append(anime.Genres, title)
		}
	}

	if attrs.Slug == "" {
		anime.URL = ""
	}

	anime.Status = strings.ToLower(anime.Status)

	return anime
}
