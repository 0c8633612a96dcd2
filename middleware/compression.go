package middleware

import (
	"bytes"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const (
	AlgorithmGzip    = "gzip"
	AlgorithmBrotli  = "br"
	DefaultLevel     = 6
	DefaultThreshold = 1024
)

type CompressionConfig struct {
	Algorithm    string   `json:"algorithm"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

// CompressionMiddleware compresses response bodies above the threshold with
// the configured algorithm when the client accepts it, falling back to gzip.
type CompressionMiddleware struct {
	logger     types.Logger
	metrics    types.MetricsManager
	config     *CompressionConfig
	weight     int
	bufferPool sync.Pool
}

func NewCompressionMiddleware(logger types.Logger, item *types.MiddlewareItemConfig, metrics types.MetricsManager) (*CompressionMiddleware, error) {
	config := &CompressionConfig{
		Algorithm:    AlgorithmBrotli,
		Level:        DefaultLevel,
		Threshold:    DefaultThreshold,
		AllowedTypes: []string{"application/json", "text/"},
	}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, config); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal compression middleware config")
		}
	}

	if config.Algorithm != AlgorithmBrotli && config.Algorithm != AlgorithmGzip {
		return nil, types.Errorf(types.ErrInvalidParameter, "compression algorithm %q", config.Algorithm)
	}
	if config.Level < 1 || config.Level > 9 {
		return nil, types.Errorf(types.ErrInvalidParameter, "compression level %d", config.Level)
	}
	if config.Threshold < 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "compression threshold %d", config.Threshold)
	}

	return &CompressionMiddleware{
		logger:  logger,
		metrics: metrics,
		config:  config,
		weight:  item.Weight,
		bufferPool: sync.Pool{
			New: func() interface{} { return new(bytes.Buffer) },
		},
	}, nil
}

func (c *CompressionMiddleware) Name() string { return "compression" }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler, _ *RouteConfig) {
	next(ctx)

	body := ctx.Response.Body()
	if len(body) < c.config.Threshold || len(ctx.Response.Header.ContentEncoding()) > 0 {
		return
	}
	if !c.allowedType(string(ctx.Response.Header.ContentType())) {
		return
	}

	algorithm := c.negotiate(ctx)
	if algorithm == "" {
		return
	}

	compressed, err := c.compress(algorithm, body)
	if err != nil {
		c.logger.Warn("Response compression failed, sending identity",
			zap.String("algorithm", algorithm),
			zap.Error(err))
		return
	}
	if len(compressed) >= len(body) {
		return
	}

	if c.metrics != nil {
		c.metrics.Counter("http_compressed_bytes_saved_total", map[string]string{"algorithm": algorithm}).
			Add(float64(len(body) - len(compressed)))
	}

	ctx.Response.SetBodyRaw(compressed)
	ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, algorithm)
	ctx.Response.Header.Add(fasthttp.HeaderVary, fasthttp.HeaderAcceptEncoding)
}

func (c *CompressionMiddleware) negotiate(ctx *fasthttp.RequestCtx) string {
	switch {
	case ctx.Request.Header.HasAcceptEncoding(c.config.Algorithm):
		return c.config.Algorithm
	case ctx.Request.Header.HasAcceptEncoding(AlgorithmGzip):
		return AlgorithmGzip
	default:
		return ""
	}
}

func (c *CompressionMiddleware) compress(algorithm string, body []byte) ([]byte, error) {
	if algorithm == AlgorithmGzip {
		return fasthttp.AppendGzipBytesLevel(nil, body, c.config.Level), nil
	}

	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	w := brotli.NewWriterLevel(buf, c.config.Level)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

func (c *CompressionMiddleware) allowedType(contentType string) bool {
	for _, allowed := range c.config.AllowedTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}
