package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type season string

func (s season) String() string { return "Season " + string(s) }

func TestBuildKeyNormalizesParts(t *testing.T) {
	assert.Equal(t, "jikan:search:foo-bar_x:2", BuildKey("jikan", "search", "  Foo   Bar:x ", 2))
	assert.Equal(t, "kitsu:seasonal:season-fall:true", BuildKey("Kitsu", "seasonal", season("FALL"), true))
	assert.Equal(t, "a:9000000000", BuildKey("a", int64(9000000000)))
	assert.Equal(t, BuildKey("jikan", "Naruto"), BuildKey("JIKAN", " naruto "))
	assert.Equal(t, `x:{"page"_1}`, BuildKey("x", map[string]int{"page": 1}))
}

func TestUnmarshalConfig(t *testing.T) {
	type settings struct {
		Path  string `json:"path"`
		Limit int    `json:"limit"`
	}

	var fromMap settings
	require.NoError(t, UnmarshalConfig(map[string]interface{}{"path": "/tmp/a.db", "limit": 3}, &fromMap))
	assert.Equal(t, settings{Path: "/tmp/a.db", Limit: 3}, fromMap)

	var fromTyped settings
	require.NoError(t, UnmarshalConfig(&settings{Path: "typed"}, &fromTyped))
	assert.Equal(t, "typed", fromTyped.Path)

	assert.Error(t, UnmarshalConfig[settings](nil, &fromTyped))
}

func TestMarshalHasNoTrailingNewline(t *testing.T) {
	body, err := Marshal(map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"b"}`, string(body))
}

func TestWriteError(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("X-Request-ID", "req-1")

	WriteError(&ctx, fasthttp.StatusBadRequest, "missing q")

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, "req-1", string(ctx.Response.Header.Peek("X-Request-ID")))
	assert.Equal(t, "no-cache, no-store, must-revalidate", string(ctx.Response.Header.Peek("Cache-Control")))

	var body ErrorBody
	require.NoError(t, Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, ErrorBody{Error: "Bad Request", Message: "missing q"}, body)
}

func TestBytesToString(t *testing.T) {
	assert.Equal(t, "", BytesToString(nil))
	assert.Equal(t, "GET", BytesToString([]byte("GET")))
}
