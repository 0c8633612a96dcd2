package middleware

import (
	"bytes"
	"crypto/subtle"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const OperatorTokenHeader = "X-Operator-Token"

var bearerPrefix = []byte("Bearer ")

type AuthConfig struct {
	Token string `json:"token"`
}

// AuthMiddleware guards operator routes with a static token, sent either
// as a bearer Authorization header or as X-Operator-Token.
type AuthMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	token   []byte
	weight  int
}

func NewAuthMiddleware(logger types.Logger, item *types.MiddlewareItemConfig, metrics types.MetricsManager) (*AuthMiddleware, error) {
	authConfig := &AuthConfig{}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, authConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal Auth middleware config")
		}
	}
	if authConfig.Token == "" {
		return nil, types.Errorf(types.ErrOperatorTokenInvalid, "auth middleware enabled without a token")
	}

	return &AuthMiddleware{
		logger:  logger,
		metrics: metrics,
		token:   []byte(authConfig.Token),
		weight:  item.Weight,
	}, nil
}

func (a *AuthMiddleware) Name() string { return "auth" }
func (a *AuthMiddleware) Weight() int  { return a.weight }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler, route *RouteConfig) {
	if !route.Operator || ctx.IsOptions() {
		next(ctx)
		return
	}

	if subtle.ConstantTimeCompare(a.presented(ctx), a.token) == 1 {
		next(ctx)
		return
	}

	a.logger.Warn("Operator authentication failed",
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", remoteAddr(ctx)))

	if a.metrics != nil {
		a.metrics.Counter("http_auth_failures_total", map[string]string{"path": string(ctx.Path())}).Inc()
	}

	utils.CreateUnauthorizedResponse(ctx)
}

func (a *AuthMiddleware) presented(ctx *fasthttp.RequestCtx) []byte {
	if token := ctx.Request.Header.Peek(OperatorTokenHeader); len(token) > 0 {
		return token
	}
	if header := ctx.Request.Header.Peek(fasthttp.HeaderAuthorization); bytes.HasPrefix(header, bearerPrefix) {
		return header[len(bearerPrefix):]
	}
	return nil
}
