package documentations

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
)

const OperatorScheme = "OperatorToken"

type Spec struct {
	OpenAPI    string               `json:"openapi"`
	Info       Info                 `json:"info"`
	Servers    []Server             `json:"servers,omitempty"`
	Paths      map[string]*PathItem `json:"paths"`
	Tags       []Tag                `json:"tags,omitempty"`
	Components *Components          `json:"components,omitempty"`
}

type Info struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type Server struct {
	URL string `json:"url"`
}

type Tag struct {
	Name string `json:"name"`
}

type PathItem struct {
	Get  *Operation `json:"get,omitempty"`
	Post *Operation `json:"post,omitempty"`
}

type Operation struct {
	Summary    string                `json:"summary,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
	Parameters []Parameter           `json:"parameters,omitempty"`
	Responses  map[string]*Response  `json:"responses"`
	Security   []map[string][]string `json:"security,omitempty"`
}

type Parameter struct {
	Name        string  `json:"name"`
	In          string  `json:"in"`
	Required    bool    `json:"required"`
	Description string  `json:"description,omitempty"`
	Schema      *Schema `json:"schema"`
}

type Response struct {
	Description string                `json:"description"`
	Content     map[string]*MediaType `json:"content,omitempty"`
}

type MediaType struct {
	Schema *Schema `json:"schema"`
}

type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Format               string             `json:"format,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`
}

type Components struct {
	Schemas         map[string]*Schema         `json:"schemas,omitempty"`
	SecuritySchemes map[string]*SecurityScheme `json:"securitySchemes,omitempty"`
}

type SecurityScheme struct {
	Type        string `json:"type"`
	In          string `json:"in"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// QueryParam documents one query string argument of a route.
type QueryParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// RouteDoc describes one registered route. Response is the type written
// on success; nil documents an untyped body.
type RouteDoc struct {
	Method   string
	Path     string
	Summary  string
	Tag      string
	Operator bool
	Query    []QueryParam
	Response reflect.Type
}

// Generator builds an OpenAPI 3 document from route descriptions. The
// document is regenerated lazily after a route is added.
type Generator struct {
	logger types.Logger
	info   Info
	mu     sync.RWMutex
	routes map[string]RouteDoc
	spec   *Spec
}

func NewGenerator(logger types.Logger, title, version string) *Generator {
	return &Generator{
		logger: logger,
		info:   Info{Title: title, Version: version, Description: title + " API documentation"},
		routes: make(map[string]RouteDoc),
	}
}

func (g *Generator) AddRoute(doc RouteDoc) error {
	method := strings.ToUpper(doc.Method)
	if method != "GET" && method != "POST" {
		return types.Errorf(types.ErrNotSupported, "documenting %s routes", doc.Method)
	}
	if !strings.HasPrefix(doc.Path, "/") {
		return types.Errorf(types.ErrInvalidParameter, "route path %q", doc.Path)
	}
	doc.Method = method

	g.mu.Lock()
	g.routes[method+" "+doc.Path] = doc
	g.spec = nil
	g.mu.Unlock()

	return nil
}

func (g *Generator) Spec() *Spec {
	g.mu.RLock()
	spec := g.spec
	g.mu.RUnlock()
	if spec != nil {
		return spec
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.spec == nil {
		g.spec = g.generate()
		g.logger.Debug("OpenAPI documentation generated",
			zap.Int("routes", len(g.routes)),
			zap.Int("paths", len(g.spec.Paths)),
			zap.Int("schemas", len(g.spec.Components.Schemas)))
	}
	return g.spec
}

func (g *Generator) generate() *Spec {
	spec := &Spec{
		OpenAPI: "3.0.3",
		Info:    g.info,
		Paths:   make(map[string]*PathItem),
		Components: &Components{
			Schemas: map[string]*Schema{"ErrorBody": errorSchema()},
			SecuritySchemes: map[string]*SecurityScheme{
				OperatorScheme: {
					Type:        "apiKey",
					In:          "header",
					Name:        "X-Operator-Token",
					Description: "Operator token for cache maintenance routes",
				},
			},
		},
	}

	tags := make(map[string]struct{})

	for _, doc := range g.routes {
		item, ok := spec.Paths[doc.Path]
		if !ok {
			item = &PathItem{}
			spec.Paths[doc.Path] = item
		}

		op := g.operation(doc, spec.Components.Schemas)
		if doc.Method == "POST" {
			item.Post = op
		} else {
			item.Get = op
		}

		if doc.Tag != "" {
			tags[doc.Tag] = struct{}{}
		}
	}

	for name := range tags {
		spec.Tags = append(spec.Tags, Tag{Name: name})
	}
	sort.Slice(spec.Tags, func(i, j int) bool { return spec.Tags[i].Name < spec.Tags[j].Name })

	return spec
}

func (g *Generator) operation(doc RouteDoc, schemas map[string]*Schema) *Operation {
	op := &Operation{
		Summary:   doc.Summary,
		Responses: make(map[string]*Response),
	}
	if doc.Tag != "" {
		op.Tags = []string{doc.Tag}
	}

	for _, name := range pathParams(doc.Path) {
		op.Parameters = append(op.Parameters, Parameter{
			Name:     name,
			In:       "path",
			Required: true,
			Schema:   &Schema{Type: inferParameterType(name)},
		})
	}
	for _, q := range doc.Query {
		typ := q.Type
		if typ == "" {
			typ = inferParameterType(q.Name)
		}
		op.Parameters = append(op.Parameters, Parameter{
			Name:        q.Name,
			In:          "query",
			Required:    q.Required,
			Description: q.Description,
			Schema:      &Schema{Type: typ},
		})
	}

	success := &Response{Description: "Successful response"}
	if doc.Response != nil {
		schema := schemaFromType(doc.Response)
		if name := typeName(doc.Response); name != "" {
			schemas[name] = schema
		}
		success.Content = map[string]*MediaType{"application/json": {Schema: schema}}
	}
	op.Responses["200"] = success

	errorBody := map[string]*MediaType{"application/json": {Schema: &Schema{Type: "object", Description: "ErrorBody"}}}
	op.Responses["400"] = &Response{Description: "Bad Request", Content: errorBody}
	op.Responses["500"] = &Response{Description: "Internal Server Error", Content: errorBody}

	if doc.Operator {
		op.Security = []map[string][]string{{OperatorScheme: {}}}
		op.Responses["401"] = &Response{Description: "Unauthorized", Content: errorBody}
	}

	return op
}

var (
	timeType = reflect.TypeOf(time.Time{})
	rawType  = reflect.TypeOf(json.RawMessage{})
)

func schemaFromType(t reflect.Type) *Schema {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch {
	case t == timeType:
		return &Schema{Type: "string", Format: "date-time"}
	case t == rawType:
		return &Schema{Type: "object"}
	}

	switch t.Kind() {
	case reflect.Struct:
		return structSchema(t)
	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: schemaFromType(t.Elem())}
	case reflect.Map:
		return &Schema{Type: "object", AdditionalProperties: schemaFromType(t.Elem())}
	case reflect.String:
		return &Schema{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}
	case reflect.Bool:
		return &Schema{Type: "boolean"}
	default:
		return &Schema{Type: "object"}
	}
}

func structSchema(t reflect.Type) *Schema {
	schema := &Schema{Type: "object", Properties: make(map[string]*Schema)}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		if field.Anonymous && jsonTag == "" {
			for name, prop := range schemaFromType(field.Type).Properties {
				schema.Properties[name] = prop
			}
			continue
		}

		schema.Properties[fieldName(field, jsonTag)] = schemaFromType(field.Type)
	}

	return schema
}

func fieldName(field reflect.StructField, jsonTag string) string {
	if name, _, _ := strings.Cut(jsonTag, ","); name != "" {
		return name
	}
	return field.Name
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	return t.Name()
}

func pathParams(path string) []string {
	var params []string
	for _, part := range strings.Split(path, "/") {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			params = append(params, strings.Trim(part, "{}"))
		}
	}
	return params
}

func inferParameterType(name string) string {
	switch strings.ToLower(name) {
	case "id", "page", "year", "week":
		return "integer"
	}
	return "string"
}

func errorSchema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"error":   {Type: "string", Description: "HTTP status text"},
			"message": {Type: "string", Description: "Error message"},
		},
	}
}
