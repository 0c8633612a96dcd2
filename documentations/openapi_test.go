package documentations

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/types"
)

type entry struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score,omitempty"`
	Genres   []string          `json:"genres"`
	Labels   map[string]int    `json:"labels"`
	AiringAt time.Time         `json:"airing_at"`
	Secret   string            `json:"-"`
	hidden   bool
	Nested   *struct{ N int }  `json:"nested"`
	Extra    map[string]string `json:"extra,omitempty"`
}

func TestGenerateDocument(t *testing.T) {
	g := NewGenerator(logger.NewNopLogger(), "anime", "1.2.3")

	require.NoError(t, g.AddRoute(RouteDoc{
		Method:   "get",
		Path:     "/items/{id}",
		Summary:  "One item",
		Tag:      "items",
		Query:    []QueryParam{{Name: "page"}, {Name: "q", Required: true}},
		Response: reflect.TypeOf(entry{}),
	}))
	require.NoError(t, g.AddRoute(RouteDoc{Method: "POST", Path: "/items/clear", Tag: "admin", Operator: true}))

	spec := g.Spec()
	assert.Equal(t, "3.0.3", spec.OpenAPI)
	assert.Equal(t, "1.2.3", spec.Info.Version)
	assert.Equal(t, []Tag{{Name: "admin"}, {Name: "items"}}, spec.Tags)

	get := spec.Paths["/items/{id}"].Get
	require.NotNil(t, get)
	require.Len(t, get.Parameters, 3)
	assert.Equal(t, Parameter{Name: "id", In: "path", Required: true, Schema: &Schema{Type: "integer"}}, get.Parameters[0])
	assert.Equal(t, "integer", get.Parameters[1].Schema.Type)
	assert.True(t, get.Parameters[2].Required)
	assert.Empty(t, get.Security)

	schema := spec.Components.Schemas["entry"]
	require.NotNil(t, schema)
	assert.Equal(t, "array", schema.Properties["genres"].Type)
	assert.Equal(t, "integer", schema.Properties["labels"].AdditionalProperties.Type)
	assert.Equal(t, "date-time", schema.Properties["airing_at"].Format)
	assert.Equal(t, "integer", schema.Properties["nested"].Properties["N"].Type)
	assert.NotContains(t, schema.Properties, "Secret")
	assert.NotContains(t, schema.Properties, "hidden")

	post := spec.Paths["/items/clear"].Post
	require.NotNil(t, post)
	assert.Equal(t, []map[string][]string{{OperatorScheme: {}}}, post.Security)
	assert.Contains(t, post.Responses, "401")
}

func TestSpecIsRegeneratedAfterAddRoute(t *testing.T) {
	g := NewGenerator(logger.NewNopLogger(), "anime", "1")
	require.NoError(t, g.AddRoute(RouteDoc{Method: "GET", Path: "/a"}))

	first := g.Spec()
	assert.Same(t, first, g.Spec())

	require.NoError(t, g.AddRoute(RouteDoc{Method: "GET", Path: "/b"}))
	assert.Len(t, g.Spec().Paths, 2)
}

func TestAddRouteValidation(t *testing.T) {
	g := NewGenerator(logger.NewNopLogger(), "anime", "1")

	assert.ErrorIs(t, g.AddRoute(RouteDoc{Method: "DELETE", Path: "/a"}), types.ErrNotSupported)
	assert.ErrorIs(t, g.AddRoute(RouteDoc{Method: "GET", Path: "a"}), types.ErrInvalidParameter)
}
