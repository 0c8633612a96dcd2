package anime

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const anilistPageSize = 25

var (
	AniListSeasonalPolicy = Policy{TTL: 6 * time.Hour, StaleTime: time.Hour, Persistent: true}
	AniListAnimePolicy    = Policy{TTL: time.Hour, StaleTime: 15 * time.Minute, Persistent: true}
	AniListSearchPolicy   = Policy{TTL: 15 * time.Minute}
)

const anilistMediaFields = `
	id
	siteUrl
	title { romaji english native }
	description(asHtml: false)
	coverImage { large extraLarge }
	averageScore
	episodes
	status
	season
	seasonYear
	genres
`

const anilistSeasonalQuery = `query ($season: MediaSeason, $year: Int, $page: Int, $perPage: Int) {
	Page(page: $page, perPage: $perPage) {
		pageInfo { currentPage hasNextPage }
		media(season: $season, seasonYear: $year, type: ANIME, sort: POPULARITY_DESC) {` + anilistMediaFields + `}
	}
}`

const anilistSearchQuery = `query ($search: String, $page: Int, $perPage: Int) {
	Page(page: $page, perPage: $perPage) {
		pageInfo { currentPage hasNextPage }
		media(search: $search, type: ANIME, sort: SEARCH_MATCH) {` + anilistMediaFields + `}
	}
}`

const anilistMediaQuery = `query ($id: Int) {
	Media(id: $id, type: ANIME) {` + anilistMediaFields + `}
}`

type anilistRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type anilistMedia struct {
	ID      int    `json:"id"`
	SiteURL string `json:"siteUrl"`
	Title   struct {
		Romaji  string `json:"romaji"`
		English string `json:"english"`
		Native  string `json:"native"`
	} `json:"title"`
	Description string `json:"description"`
	CoverImage  struct {
		Large      string `json:"large"`
		ExtraLarge string `json:"extraLarge"`
	} `json:"coverImage"`
	AverageScore int      `json:"averageScore"`
	Episodes     int      `json:"episodes"`
	Status       string   `json:"status"`
	Season       string   `json:"season"`
	SeasonYear   int      `json:"seasonYear"`
	Genres       []string `json:"genres"`
}

type anilistError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type anilistPageResponse struct {
	Data struct {
		Page struct {
			PageInfo struct {
				CurrentPage int  `json:"currentPage"`
				HasNextPage bool `json:"hasNextPage"`
			} `json:"pageInfo"`
			Media []anilistMedia `json:"media"`
		} `json:"Page"`
	} `json:"data"`
	Errors []anilistError `json:"errors"`
}

type anilistMediaResponse struct {
	Data struct {
		Media *anilistMedia `json:"Media"`
	} `json:"data"`
	Errors []anilistError `json:"errors"`
}

// AniListService reads the AniList GraphQL catalog.
type AniListService struct {
	loader *Loader
	caller types.UpstreamCaller
}

func NewAniListService(loader *Loader, caller types.UpstreamCaller) *AniListService {
	return &AniListService{loader: loader, caller: caller}
}

func (s *AniListService) Source() string { return types.UpstreamAniList }

func (s *AniListService) GetSeasonal(ctx context.Context, season string, year, page int) (*types.AnimePage, error) {
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

	key := utils.BuildKey(types.UpstreamAniList, "seasonal", season, year, page)

	return Load(ctx, s.loader, key, AniListSeasonalPolicy, func(ctx context.Context) (*types.AnimePage, error) {
		return s.fetchPage(ctx, anilistSeasonalQuery, map[string]interface{}{
			"season":  strings.ToUpper(season),
			"year":    year,
			"page":    page,
			"perPage": anilistPageSize,
		}, page)
	})
}

func (s *AniListService) Search(ctx context.Context, query string, page int) (*types.AnimePage, error) {
	query, err := normalizeQuery(query)
	if err != nil {
		return nil, err
	}
	if err := validatePositive("page", page); err != nil {
		return nil, err
	}

	key := utils.BuildKey(types.UpstreamAniList, "search", query, page)

	return Load(ctx, s.loader, key, AniListSearchPolicy, func(ctx context.Context) (*types.AnimePage, error) {
		return s.fetchPage(ctx, anilistSearchQuery, map[string]interface{}{
			"search":  query,
			"page":    page,
			"perPage": anilistPageSize,
		}, page)
	})
}

func (s *AniListService) GetAnime(ctx context.Context, id int) (*types.Anime, error) {
	if err := validatePositive("id", id); err != nil {
		return nil, err
	}

	key := utils.BuildKey(types.UpstreamAniList, "anime", id)

	return Load(ctx, s.loader, key, AniListAnimePolicy, func(ctx context.Context) (*types.Anime, error) {
		resp, err := fetchJSON[anilistMediaResponse](ctx, s.caller, types.UpstreamAniList, fasthttp.MethodPost, "/", anilistRequest{
			Query:     anilistMediaQuery,
			Variables: map[string]interface{}{"id": id},
		}, nil)
		if err != nil {
			return nil, err
		}
		if err := graphQLError(resp.Errors); err != nil {
			return nil, err
		}
		if resp.Data.Media == nil {
			return nil, types.Errorf(types.ErrUpstreamPayload, "anilist media %d: missing data", id)
		}

		anime := normalizeAniList(resp.Data.Media)
		return &anime, nil
	})
}

// GetRandom is not offered by the AniList API.
func (s *AniListService) GetRandom(_ context.Context) (*types.Anime, error) {
	return nil, types.Errorf(types.ErrNotSupported, "anilist has no random endpoint")
}

func (s *AniListService) fetchPage(ctx context.Context, query string, variables map[string]interface{}, page int) (*types.AnimePage, error) {
	resp, err := fetchJSON[anilistPageResponse](ctx, s.caller, types.UpstreamAniList, fasthttp.MethodPost, "/", anilistRequest{
		Query:     query,
		Variables: variables,
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := graphQLError(resp.Errors); err != nil {
		return nil, err
	}

	media := resp.Data.Page.Media
	result := &types.AnimePage{
		Items:   make([]types.Anime, 0, len(media)),
		Page:    page,
		HasNext: resp.Data.Page.PageInfo.HasNextPage,
	}
	for i := range media {
		result.Items = append(result.Items, normalizeAniList(&media[i]))
	}

	return result, nil
}

// graphQLError turns the errors array of a 200 answer into an error. An
// entry carrying an HTTP status keeps it.
func graphQLError(errs []anilistError) error {
	if len(errs) == 0 {
		return nil
	}

	first := errs[0]
	if first.Status >= 400 {
		return &types.UpstreamError{
			Upstream:   types.UpstreamAniList,
			StatusCode: first.Status,
			Body:       first.Message,
		}
	}

	return types.Errorf(types.ErrUpstreamPayload, "anilist: %s", first.Message)
}

func normalizeAniList(m *anilistMedia) types.Anime {
	image := m.CoverImage.ExtraLarge
	if image == "" {
		image = m.CoverImage.Large
	}

	return types.Anime{
		ID:            "anilist-" + strconv.Itoa(m.ID),
		Source:        types.UpstreamAniList,
		SourceID:      m.ID,
		Title:         m.Title.Romaji,
		TitleEnglish:  m.Title.English,
		TitleJapanese: m.Title.Native,
		Synopsis:      m.Description,
		ImageURL:      image,
		Score:         float64(m.AverageScore) / 10,
		Episodes:      m.Episodes,
		Status:        strings.ToLower(m.Status),
		Season:        strings.ToLower(m.Season),
		Year:          m.SeasonYear,
		Genres:        m.Genres,
		URL:           m.SiteURL,
	}
}
