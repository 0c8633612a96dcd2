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

const (
	scheduleImageBase = "https://img.animeschedule.net/production/assets/public/img/"
)

var SchedulePolicy = Policy{TTL: 30 * time.Minute, StaleTime: 10 * time.Minute}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

type timetableEntry struct {
	Title             string    `json:"title"`
	English           string    `json:"english"`
	Route             string    `json:"route"`
	EpisodeNumber     int       `json:"episodeNumber"`
	EpisodeDate       time.Time `json:"episodeDate"`
	ImageVersionRoute string    `json:"imageVersionRoute"`
	AirType           string    `json:"airType"`
}

// TimetableService reads the weekly airing timetable.
type TimetableService struct {
	loader *Loader
	caller types.UpstreamCaller
}

func NewTimetableService(loader *Loader, caller types.UpstreamCaller) *TimetableService {
	return &TimetableService{loader: loader, caller: caller}
}

func (s *TimetableService) GetWeek(ctx context.Context, year, week int) ([]types.ScheduleEntry, error) {
	if err := validateYear(year); err != nil {
		return nil, err
	}
	if week < 1 || week > 53 {
		return nil, types.Errorf(types.ErrInvalidParameter, "week %d", week)
	}

	key := utils.BuildKey(types.UpstreamSchedule, "week", year, week)

	return Load(ctx, s.loader, key, SchedulePolicy, func(ctx context.Context) ([]types.ScheduleEntry, error) {
		return s.fetchTimetable(ctx, map[string]string{
			"year": strconv.Itoa(year),
			"week": strconv.Itoa(week),
		})
	})
}

// GetDay returns the entries of the current week airing on weekday.
func (s *TimetableService) GetDay(ctx context.Context, weekday string) ([]types.ScheduleEntry, error) {
	weekday = strings.ToLower(strings.TrimSpace(weekday))
	day, ok := weekdays[weekday]
	if !ok {
		return nil, types.Errorf(types.ErrInvalidParameter, "weekday %q", weekday)
	}

	key := utils.BuildKey(types.UpstreamSchedule, "day", weekday)

	return Load(ctx, s.loader, key, SchedulePolicy, func(ctx context.Context) ([]types.ScheduleEntry, error) {
		entries, err := s.fetchTimetable(ctx, nil)
		if err != nil {
			return nil, err
		}

		filtered := make([]types.ScheduleEntry, 0, len(entries))
		for _, entry := range entries {
			if entry.AiringAt.Weekday() == day {
				filtered = append(filtered, entry)
			}
		}
		return filtered, nil
	})
}

func (s *TimetableService) fetchTimetable(ctx context.Context, query map[string]string) ([]types.ScheduleEntry, error) {
	raw, err := fetchJSON[[]timetableEntry](ctx, s.caller, types.UpstreamSchedule, fasthttp.MethodGet, "/timetables/sub", nil,
		&types.CallOptions{Query: query})
	if err != nil {
		return nil, err
	}

	entries := make([]types.ScheduleEntry, 0, len(*raw))
	for i := range *raw {
		entries = append(entries, normalizeTimetable(&(*raw)[i]))
	}

	return entries, nil
}

func normalizeTimetable(e *timetableEntry) types.ScheduleEntry {
	title := e.English
	if title == "" {
		title = e.Title
	}

	entry := types.ScheduleEntry{
		AnimeID:  "schedule-" + e.Route,
		Source:   types.UpstreamSchedule,
		Title:    title,
		Episode:  e.EpisodeNumber,
		AiringAt: e.EpisodeDate.UTC(),
	}
	if e.ImageVersionRoute != "" {
		entry.ImageURL = scheduleImageBase + e.ImageVersionRoute
	}

	return entry
}
