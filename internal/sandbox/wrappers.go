package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/yasumu/tanxium/internal/scriptctx"
)

// Go types in this file are exposed to scripts through goja reflection. Field
// names come from json tags and method names are uncapitalized, so
// (*Headers).Get is headers.get in JavaScript.

type headerEntry struct {
	name  string
	value string
}

// Headers is a case-insensitive, insertion ordered header set.
type Headers struct {
	entries []headerEntry
}

// NewHeaders copies init into a new Headers.
func NewHeaders(init map[string]string) *Headers {
	h := &Headers{}
	for k, v := range init {
		h.entries = append(h.entries, headerEntry{name: k, value: v})
	}
	return h
}

func (h *Headers) find(name string) int {
	for i, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return i
		}
	}
	return -1
}

// Get returns the header value or nil (null in scripts).
func (h *Headers) Get(name string) any {
	if i := h.find(name); i >= 0 {
		return h.entries[i].value
	}
	return nil
}

func (h *Headers) Set(name, value string) {
	if i := h.find(name); i >= 0 {
		h.entries[i].value = value
		return
	}
	h.entries = append(h.entries, headerEntry{name: name, value: value})
}

func (h *Headers) Append(name, value string) {
	if i := h.find(name); i >= 0 {
		h.entries[i].value = h.entries[i].value + ", " + value
		return
	}
	h.entries = append(h.entries, headerEntry{name: name, value: value})
}

func (h *Headers) Delete(name string) {
	if i := h.find(name); i >= 0 {
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
	}
}

func (h *Headers) Has(name string) bool {
	return h.find(name) >= 0
}

func (h *Headers) Keys() []string {
	out := make([]string, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.name
	}
	return out
}

func (h *Headers) Entries() [][]string {
	out := make([][]string, len(h.entries))
	for i, e := range h.entries {
		out[i] = []string{e.name, e.value}
	}
	return out
}

func (h *Headers) ToObject() map[string]string {
	out := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		out[e.name] = e.value
	}
	return out
}

// SearchParams is an ordered multi-map of query parameters.
type SearchParams struct {
	order  []string
	values map[string][]string
}

// NewSearchParams copies init into a new SearchParams.
func NewSearchParams(init map[string]string) *SearchParams {
	p := &SearchParams{values: make(map[string][]string)}
	for k, v := range init {
		p.Set(k, v)
	}
	return p
}

// ParseSearchParams builds SearchParams from the query of rawURL.
func ParseSearchParams(rawURL string) *SearchParams {
	p := &SearchParams{values: make(map[string][]string)}
	u, err := url.Parse(rawURL)
	if err != nil {
		return p
	}
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k, _ = url.QueryUnescape(k)
		v, _ = url.QueryUnescape(v)
		p.Append(k, v)
	}
	return p
}

func (p *SearchParams) Get(name string) any {
	if vs := p.values[name]; len(vs) > 0 {
		return vs[0]
	}
	return nil
}

func (p *SearchParams) GetAll(name string) []string {
	return append([]string{}, p.values[name]...)
}

func (p *SearchParams) Set(name, value string) {
	if _, ok := p.values[name]; !ok {
		p.order = append(p.order, name)
	}
	p.values[name] = []string{value}
}

func (p *SearchParams) Append(name, value string) {
	if _, ok := p.values[name]; !ok {
		p.order = append(p.order, name)
	}
	p.values[name] = append(p.values[name], value)
}

func (p *SearchParams) Delete(name string) {
	if _, ok := p.values[name]; !ok {
		return
	}
	delete(p.values, name)
	for i, k := range p.order {
		if k == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *SearchParams) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// ToObject returns the first value of every parameter.
func (p *SearchParams) ToObject() map[string]string {
	out := make(map[string]string, len(p.order))
	for _, k := range p.order {
		out[k] = p.values[k][0]
	}
	return out
}

func (p *SearchParams) ToString() string {
	var b strings.Builder
	for _, k := range p.order {
		for _, v := range p.values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

var errNoEnvironment = errors.New("No environment is currently active. Please select an environment first.")

// Environment exposes the active workspace environment to scripts.
type Environment struct {
	ID       any  `json:"id"`
	Name     any  `json:"name"`
	IsActive bool `json:"isActive"`

	data     *scriptctx.EnvironmentData
	modified bool
}

// NewEnvironment wraps a copy of data; nil means no active environment.
func NewEnvironment(data *scriptctx.EnvironmentData) *Environment {
	env := &Environment{data: data.Clone()}
	if env.data != nil {
		env.ID = env.data.ID
		env.Name = env.data.Name
		env.IsActive = true
	}
	return env
}

func lookup(pairs []scriptctx.TabularPair, key string) any {
	for _, p := range pairs {
		if p.Key == key && p.Enabled {
			return p.Value
		}
	}
	return nil
}

func upsert(pairs []scriptctx.TabularPair, key, value string) []scriptctx.TabularPair {
	for i := range pairs {
		if pairs[i].Key == key {
			pairs[i].Value = value
			pairs[i].Enabled = true
			return pairs
		}
	}
	return append(pairs, scriptctx.TabularPair{Key: key, Value: value, Enabled: true})
}

func remove(pairs []scriptctx.TabularPair, key string) ([]scriptctx.TabularPair, bool) {
	for i := range pairs {
		if pairs[i].Key == key {
			return append(pairs[:i], pairs[i+1:]...), true
		}
	}
	return pairs, false
}

func enabled(pairs []scriptctx.TabularPair) map[string]string {
	out := map[string]string{}
	for _, p := range pairs {
		if p.Enabled {
			out[p.Key] = p.Value
		}
	}
	return out
}

func (e *Environment) GetVariable(key string) (any, error) {
	if e.data == nil {
		return nil, errNoEnvironment
	}
	return lookup(e.data.Variables, key), nil
}

func (e *Environment) SetVariable(key, value string) error {
	if e.data == nil {
		return errNoEnvironment
	}
	e.data.Variables = upsert(e.data.Variables, key, value)
	e.modified = true
	return nil
}

func (e *Environment) DeleteVariable(key string) (bool, error) {
	if e.data == nil {
		return false, errNoEnvironment
	}
	var ok bool
	e.data.Variables, ok = remove(e.data.Variables, key)
	e.modified = e.modified || ok
	return ok, nil
}

func (e *Environment) HasVariable(key string) (bool, error) {
	if e.data == nil {
		return false, errNoEnvironment
	}
	return lookup(e.data.Variables, key) != nil, nil
}

func (e *Environment) GetSecret(key string) (any, error) {
	if e.data == nil {
		return nil, errNoEnvironment
	}
	return lookup(e.data.Secrets, key), nil
}

func (e *Environment) SetSecret(key, value string) error {
	if e.data == nil {
		return errNoEnvironment
	}
	e.data.Secrets = upsert(e.data.Secrets, key, value)
	e.modified = true
	return nil
}

func (e *Environment) DeleteSecret(key string) (bool, error) {
	if e.data == nil {
		return false, errNoEnvironment
	}
	var ok bool
	e.data.Secrets, ok = remove(e.data.Secrets, key)
	e.modified = e.modified || ok
	return ok, nil
}

func (e *Environment) HasSecret(key string) (bool, error) {
	if e.data == nil {
		return false, errNoEnvironment
	}
	return lookup(e.data.Secrets, key) != nil, nil
}

func (e *Environment) GetAllVariables() map[string]string {
	if e.data == nil {
		return map[string]string{}
	}
	return enabled(e.data.Variables)
}

func (e *Environment) GetAllSecrets() map[string]string {
	if e.data == nil {
		return map[string]string{}
	}
	return enabled(e.data.Secrets)
}

func (e *Environment) IsModified() bool { return e.modified }

// Data returns the current environment snapshot.
func (e *Environment) Data() *scriptctx.EnvironmentData { return e.data }

// Request is the script-side view of an outgoing request.
type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      *Headers          `json:"headers"`
	Body         any               `json:"body"`
	Parameters   map[string]string `json:"parameters"`
	SearchParams *SearchParams     `json:"searchParams"`
	Env          *Environment      `json:"env"`
}

// NewRequest builds a Request from context data.
func NewRequest(data scriptctx.RequestData, env *Environment) *Request {
	search := ParseSearchParams(data.URL)
	for k, v := range data.SearchParameters {
		search.Set(k, v)
	}
	params := make(map[string]string, len(data.Parameters))
	for k, v := range data.Parameters {
		params[k] = v
	}
	return &Request{
		URL:          data.URL,
		Method:       data.Method,
		Headers:      NewHeaders(data.Headers),
		Body:         data.Body,
		Parameters:   params,
		SearchParams: search,
		Env:          env,
	}
}

// Data serializes the request state back into context data.
func (r *Request) Data() scriptctx.RequestData {
	headers := map[string]string{}
	if r.Headers != nil {
		headers = r.Headers.ToObject()
	}
	var search map[string]string
	if r.SearchParams != nil && len(r.SearchParams.order) > 0 {
		search = r.SearchParams.ToObject()
	}
	return scriptctx.RequestData{
		URL:              r.URL,
		Method:           r.Method,
		Headers:          headers,
		Body:             r.Body,
		Parameters:       r.Parameters,
		SearchParameters: search,
	}
}

// Response is the script-side view of a response, either received or
// synthesized by a pre-request script.
type Response struct {
	Status  int      `json:"status"`
	Headers *Headers `json:"headers"`
	Body    any      `json:"body"`
}

// NewResponse builds a Response from context data; nil stays nil.
func NewResponse(data *scriptctx.ResponseData) *Response {
	if data == nil {
		return nil
	}
	return &Response{Status: data.Status, Headers: NewHeaders(data.Headers), Body: data.Body}
}

func (r *Response) Ok() bool { return r.Status >= 200 && r.Status < 300 }

// Json returns the body decoded as JSON when it is a string, else the body.
func (r *Response) Json() (any, error) {
	s, ok := r.Body.(string)
	if !ok {
		return r.Body, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("response body is not valid JSON: %w", err)
	}
	return out, nil
}

func (r *Response) Text() string {
	switch b := r.Body.(type) {
	case nil:
		return ""
	case string:
		return b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Sprint(b)
		}
		return string(raw)
	}
}

// Data serializes the response into context data.
func (r *Response) Data() *scriptctx.ResponseData {
	headers := map[string]string{}
	if r.Headers != nil {
		headers = r.Headers.ToObject()
	}
	return &scriptctx.ResponseData{Status: r.Status, Headers: headers, Body: r.Body}
}
