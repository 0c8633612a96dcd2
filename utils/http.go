package utils

import (
	"github.com/valyala/fasthttp"
)

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func setNoCache(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	body, err := Marshal(data)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, message string) {
	setNoCache(ctx)
	WriteJSON(ctx, status, ErrorBody{
		Error:   fasthttp.StatusMessage(status),
		Message: message,
	})
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")
	setNoCache(ctx)
	ctx.SetBodyString(`{"error":"Internal Server Error","message":"An unexpected error occurred"}`)
}

func CreateUnauthorizedResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	setNoCache(ctx)
	ctx.SetBodyString(`{"error":"Unauthorized","message":"Operator token required"}`)
}
