package anime

import (
	"context"
	"strings"
	"time"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

var seasons = map[string]struct{}{
	types.SeasonWinter: {},
	types.SeasonSpring: {},
	types.SeasonSummer: {},
	types.SeasonFall:   {},
}

func normalizeSeason(season string) (string, error) {
	season = strings.ToLower(strings.TrimSpace(season))
	if _, ok := seasons[season]; !ok {
		return "", types.Errorf(types.ErrInvalidParameter, "season %q", season)
	}
	return season, nil
}

func validateYear(year int) error {
	if year < 1900 || year > 2100 {
		return types.Errorf(types.ErrInvalidParameter, "year %d", year)
	}
	return nil
}

func validatePositive(name string, value int) error {
	if value < 1 {
		return types.Errorf(types.ErrInvalidParameter, "%s must be positive, got %d", name, value)
	}
	return nil
}

func normalizeQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", types.Errorf(types.ErrInvalidParameter, "empty search query")
	}
	return query, nil
}

// seasonOfMonth maps a calendar month to its anime season.
func seasonOfMonth(month int) string {
	switch {
	case month >= 1 && month <= 3:
		return types.SeasonWinter
	case month >= 4 && month <= 6:
		return types.SeasonSpring
	case month >= 7 && month <= 9:
		return types.SeasonSummer
	case month >= 10 && month <= 12:
		return types.SeasonFall
	default:
		return ""
	}
}

// fetchJSON calls an upstream and decodes its JSON answer as T.
func fetchJSON[T any](ctx context.Context, caller types.UpstreamCaller, upstream, method, path string, body interface{}, opts *types.CallOptions) (*T, error) {
	raw, _, err := caller.Call(ctx, method, path, body, opts)
	if err != nil {
		return nil, err
	}

	out := new(T)
	if err := utils.Unmarshal(raw, out); err != nil {
		return nil, types.Errorf(types.ErrUpstreamPayload, "%s %s: %v", upstream, path, err)
	}

	return out, nil
}

// CurrentSeason returns the anime season and year t falls in.
func CurrentSeason(t time.Time) (string, int) {
	return seasonOfMonth(int(t.Month())), t.Year()
}
