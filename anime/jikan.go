package anime

import (
	"context"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

var (
	JikanSeasonalPolicy = Policy{TTL: 6 * time.Hour, StaleTime: time.Hour, Persistent: true}
	JikanTopPolicy      = Policy{TTL: 6 * time.Hour, Persistent: true}
	JikanAnimePolicy    = Policy{TTL: time.Hour, StaleTime: 15 * time.Minute, Persistent: true}
	JikanSearchPolicy   = Policy{TTL: 15 * time.Minute}
)

var jikanTopFilters = map[string]struct{}{
	"":             {},
	"airing":       {},
	"upcoming":     {},
	"bypopularity": {},
	"favorite":     {},
}

type jikanAnime struct {
	MalID  int    `json:"mal_id"`
	URL    string `json:"url"`
	Images struct {
		JPG struct {
			ImageURL      string `json:"image_url"`
			LargeImageURL string `json:"large_image_url"`
		} `json:"jpg"`
	} `json:"images"`
	Title         string  `json:"title"`
	TitleEnglish  string  `json:"title_english"`
	TitleJapanese string  `json:"title_japanese"`
	Synopsis      string  `json:"synopsis"`
	Score         float64 `json:"score"`
	Episodes      int     `json:"episodes"`
	Status        string  `json:"status"`
	Season        string  `json:"season"`
	Year          int     `json:"year"`
	Genres        []struct {
		Name string `json:"name"`
	} `json:"genres"`
}

type jikanList struct {
	Data       []jikanAnime `json:"data"`
	Pagination struct {
		CurrentPage int  `json:"current_page"`
		HasNextPage bool `json:"has_next_page"`
	} `json:"pagination"`
}

type jikanItem struct {
	Data *jikanAnime `json:"data"`
}

// JikanService reads the MyAnimeList catalog through the Jikan REST API.
type JikanService struct {
	loader *Loader
	caller types.UpstreamCaller
}

func NewJikanService(loader *Loader, caller types.UpstreamCaller) *JikanService {
	return &JikanService{loader: loader, caller: caller}
}

func (s *JikanService) Source() string { return types.UpstreamJikan }

func (s *JikanService) GetSeasonal(ctx context.Context, season string, year, page int) (*types.AnimePage, error) {
	season, err := normalizeSeason(season)
	if err != nil {
		return nil, err
	}
	if err := validateYear(year); err != nil {
		return nil, err
	}
	if err := validatePositive("page", page); err != nil {
		return nil, err
	}

	key := utils.BuildKey(types.UpstreamJikan, "seasonal", season, year, page)
	path := "/seasons/" + strconv.Itoa(year) + "/" + season

	return Load(ctx, s.loader, key, JikanSeasonalPolicy, func(ctx context.Context) (*types.AnimePage, error) {
		return s.fetchList(ctx, path, map[string]string{"page": strconv.Itoa(page)}, page)
	})
}

func (s *JikanService) GetTop(ctx context.Context, filter string, page int) (*types.AnimePage, error) {
	filter = utils.NormalizeKeyPart(filter)
	if _, ok := jikanTopFilters[filter]; !ok {
		return nil, types.Errorf(types.ErrInvalidParameter, "top filter %q", filter)
	}
	if err := validatePositive("page", page); err != nil {
		return nil, err
	}

	keyFilter := filter
	if keyFilter == "" {
		keyFilter = "all"
	}
	key := utils.BuildKey(types.UpstreamJikan, "top", keyFilter, page)

	query := map[string]string{"page": strconv.Itoa(page)}
	if filter != "" {
		query["filter"] = filter
	}

	return Load(ctx, s.loader, key, JikanTopPolicy, func(ctx context.Context) (*types.AnimePage, error) {
		return s.fetchList(ctx, "/top/anime", query, page)
	})
}

func (s *JikanService) GetAnime(ctx context.Context, id int) (*types.Anime, error) {
	if err := validatePositive("id", id); err != nil {
		return nil, err
	}

	key := utils.BuildKey(types.UpstreamJikan, "anime", id)

	return Load(ctx, s.loader, key, JikanAnimePolicy, func(ctx context.Context) (*types.Anime, error) {
		return s.fetchItem(ctx, "/anime/"+strconv.Itoa(id))
	})
}

func (s *JikanService) Search(ctx context.Context, query string, page int) (*types.AnimePage, error) {
	query, err := normalizeQuery(query)
	if err != nil {
		return nil, err
	}
	if err := validatePositive("page", page); err != nil {
		return nil, err
	}

	key := utils.BuildKey(types.UpstreamJikan, "search", query, page)

	return Load(ctx, s.loader, key, JikanSearchPolicy, func(ctx context.Context) (*types.AnimePage, error) {
		return s.fetchList(ctx, "/anime", map[string]string{"q": query, "page": strconv.Itoa(page)}, page)
	})
}

func (s *JikanService) GetRandom(ctx context.Context) (*types.Anime, error) {
	return LoadFresh(ctx, s.loader, func(ctx context.Context) (*types.Anime, error) {
		return s.fetchItem(ctx, "/random/anime")
	})
}

func (s *JikanService) fetchList(ctx context.Context, path string, query map[string]string, page int) (*types.AnimePage, error) {
	list, err := fetchJSON[jikanList](ctx, s.caller, types.UpstreamJikan, fasthttp.MethodGet, path, nil, &types.CallOptions{Query: query})
	if err != nil {
		return nil, err
	}

	result := &types.AnimePage{
		Items:   make([]types.Anime, 0, len(list.Data)),
		Page:    page,
		HasNext: list.Pagination.HasNextPage,
	}
	for i := range list.Data {
		result.Items = append(result.Items, normalizeJikan(&list.Data[i]))
	}

	return result, nil
}

func (s *JikanService) fetchItem(ctx context.Context, path string) (*types.Anime, error) {
	item, err := fetchJSON[jikanItem](ctx, s.caller, types.UpstreamJikan, fasthttp.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if item.Data == nil {
		return nil, types.Errorf(types.ErrUpstreamPayload, "jikan %s: missing data", path)
	}

	anime := normalizeJikan(item.Data)
	return &anime, nil
}

func normalizeJikan(a *jikanAnime) types.Anime {
	image := a.Images.JPG.LargeImageURL
	if image == "" {
		image = a.Images.JPG.ImageURL
	}

	genres := make([]string, 0, len(a.Genres))
	for _, g := range a.Genres {
		genres = append(genres, g.Name)
	}

	return types.Anime{
		ID:            "jikan-" + strconv.Itoa(a.MalID),
		Source:        types.UpstreamJikan,
		SourceID:      a.MalID,
		Title:         a.Title,
		TitleEnglish:  a.TitleEnglish,
		TitleJapanese: a.TitleJapanese,
		Synopsis:      a.Synopsis,
		ImageURL:      image,
		Score:         a.Score,
		Episodes:      a.Episodes,
		Status:        a.Status,
		Season:        a.Season,
		Year:          a.Year,
		Genres:        genres,
		URL:           a.URL,
	}
}
