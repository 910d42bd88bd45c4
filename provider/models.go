package provider

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// modelListTimeout bounds every model listing call.
const modelListTimeout = 20 * time.Second

// newListClient decodes every reply as JSON; proxies and local servers often
// omit or mislabel the content type.
func newListClient(proxyURL string) *resty.Client {
	c := resty.New().SetTimeout(modelListTimeout).ForceContentType("application/json")
	if proxyURL != "" {
		c.SetProxy(proxyURL)
	}
	return c
}

func sortedUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// openAIModels lists models from an OpenAI-style GET {base}/models.
func openAIModels(ctx context.Context, base, apiKey, proxyURL string) []string {
	if base == "" {
		return []string{}
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	r := newListClient(proxyURL).R().SetContext(ctx).SetResult(&resp)
	if apiKey != "" {
		r.SetHeader("Authorization", "Bearer "+apiKey)
	}
	res, err := r.Get(base + "/models")
	if err != nil || res.IsError() {
		return []string{}
	}
	names := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		names = append(names, d.ID)
	}
	return sortedUnique(names)
}

// FetchModels lists Gemini models that support generateContent.
func (a *GoogleAdapter) FetchModels(ctx context.Context, apiKey, proxyURL string) []string {
	if apiKey == "" {
		return []string{}
	}
	var resp struct {
		Models []struct {
			Name    string   `json:"name"`
			Methods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	res, err := newListClient(proxyURL).R().
		SetContext(ctx).
		SetHeader("x-goog-api-key", apiKey).
		SetResult(&resp).
		Get(a.Endpoint() + "/v1beta/models")
	if err != nil || res.IsError() {
		return []string{}
	}
	var names []string
	for _, m := range resp.Models {
		if len(m.Methods) > 0 && !contains(m.Methods, "generateContent") {
			continue
		}
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return sortedUnique(names)
}

// FetchModels lists models from GET {base}/models.
func (a *OpenAIAdapter) FetchModels(ctx context.Context, apiKey, proxyURL string) []string {
	return openAIModels(ctx, a.Endpoint(), apiKey, proxyURL)
}

// FetchModels lists the gateway's models.
func (a *OpenCodeAdapter) FetchModels(ctx context.Context, apiKey, proxyURL string) []string {
	return openAIModels(ctx, a.Endpoint(), apiKey, proxyURL)
}

// FetchModels lists locally pulled models from GET {base}/api/tags.
func (a *OllamaAdapter) FetchModels(ctx context.Context, apiKey, proxyURL string) []string {
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	res, err := newListClient(proxyURL).R().
		SetContext(ctx).
		SetResult(&resp).
		Get(a.Endpoint() + "/api/tags")
	if err != nil || res.IsError() {
		return []string{}
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return sortedUnique(names)
}

// FetchModels returns the models of a if it can list them, otherwise an
// empty slice.
func FetchModels(ctx context.Context, a Adapter, apiKey, proxyURL string) []string {
	if l, ok := a.(ModelLister); ok {
		return l.FetchModels(ctx, apiKey, proxyURL)
	}
	return []string{}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
