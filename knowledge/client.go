package knowledge

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/patrickmn/go-cache"
)

const cacheTTL = 300 * time.Second

// Article is one GDPR article with the graph context the Judge needs.
type Article struct {
	Number             int      `json:"number"`
	Title              string   `json:"title"`
	Content            string   `json:"content"`
	FineTier           string   `json:"fine_tier"`
	Severity           string   `json:"severity"`
	RelatedRecitals    []int    `json:"related_recitals"`
	RelatedConcepts    []string `json:"related_concepts"`
	RecommendedActions []string `json:"recommended_actions"`
}

// FineInfo describes the sanction attached to an article.
type FineInfo struct {
	Number        int     `json:"number"`
	Title         string  `json:"title"`
	FineTier      string  `json:"fine_tier"`
	MaxAmount     float64 `json:"max_amount"`
	MaxRevenuePct float64 `json:"max_revenue_pct"`
}

// ExplanationEdge is one edge of the reasoning graph shown to reviewers.
type ExplanationEdge struct {
	DetectionType string `json:"detection_type"`
	ArticleNumber int    `json:"article_number"`
	ArticleTitle  string `json:"article_title"`
	Relation      string `json:"relation"`
	Recitals      []int  `json:"recitals"`
}

// Embedder turns text into a vector for the similarity half of hybrid
// search. Optional; keyword search alone works without it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client reads the GDPR knowledge graph. Queries are cached for five
// minutes because the Judge asks about the same detection types repeatedly
// within one video.
type Client struct {
	driver   neo4j.DriverWithContext
	embedder Embedder
	cache    *cache.Cache
	host     string
}

func NewClient(ctx context.Context, uri, user, password string, embedder Embedder) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("error creating graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.LogNoVideoID("knowledge graph unreachable, static fallback context will be used", "err", err)
	}
	host := uri
	if parsed, err := url.Parse(uri); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	return &Client{
		driver:   driver,
		embedder: embedder,
		cache:    cache.New(cacheTTL, time.Minute),
		host:     host,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) ClearCache() {
	c.cache.Flush()
}

// ContextForDetection returns the articles triggered by a detection type,
// falling back to the minimal static context when the graph is unreachable.
func (c *Client) ContextForDetection(ctx context.Context, detectionType string) []Article {
	cacheKey := "context:" + detectionType
	if cached, found := c.cache.Get(cacheKey); found {
		return cached.([]Article)
	}

	records, err := c.run(ctx, queryContextForType, map[string]any{"detectionType": detectionType})
	if err != nil {
		log.LogNoVideoID("graph query failed, using static context", "detection_type", detectionType, "err", err)
		return staticFallbackArticles()
	}

	articles := make([]Article, 0, len(records))
	for _, rec := range records {
		articles = append(articles, Article{
			Number:             intValue(rec, "number"),
			Title:              stringValue(rec, "title"),
			Content:            stringValue(rec, "content"),
			FineTier:           stringValue(rec, "fine_tier"),
			Severity:           stringValue(rec, "severity"),
			RelatedRecitals:    intListValue(rec, "related_recitals"),
			RelatedConcepts:    stringListValue(rec, "related_concepts"),
			RecommendedActions: stringListValue(rec, "recommended_actions"),
		})
	}
	if len(articles) == 0 {
		articles = staticFallbackArticles()
	}
	c.cache.Set(cacheKey, articles, cache.DefaultExpiration)
	return articles
}

// HybridSearch combines vector similarity with keyword search over article
// text, deduplicated by title.
func (c *Client) HybridSearch(ctx context.Context, query string, detectedObjects []string, k int) []string {
	if k <= 0 {
		k = 5
	}
	cacheKey := fmt.Sprintf("search:%s:%s:%d", query, strings.Join(detectedObjects, ","), k)
	if cached, found := c.cache.Get(cacheKey); found {
		return cached.([]string)
	}

	seen := map[string]bool{}
	var results []string
	add := func(title, content string) {
		if title == "" || seen[title] {
			return
		}
		seen[title] = true
		results = append(results, title+": "+content)
	}

	if c.embedder != nil {
		if embedding, err := c.embedder.Embed(ctx, query); err == nil {
			if records, err := c.run(ctx, queryVectorSearch, map[string]any{"k": k, "embedding": embedding}); err == nil {
				for _, rec := range records {
					add(stringValue(rec, "title"), stringValue(rec, "content"))
				}
			}
		}
	}

	terms := append([]string{query}, detectedObjects...)
	for _, term := range terms {
		if len(results) >= k {
			break
		}
		records, err := c.run(ctx, queryKeywordSearch, map[string]any{"term": term, "k": k})
		if err != nil {
			log.LogNoVideoID("graph search failed, using static context", "term", term, "err", err)
			for _, a := range staticFallbackArticles() {
				add(a.Title, a.Content)
			}
			break
		}
		for _, rec := range records {
			add(stringValue(rec, "title"), stringValue(rec, "content"))
		}
	}

	if len(results) > k {
		results = results[:k]
	}
	c.cache.Set(cacheKey, results, cache.DefaultExpiration)
	return results
}

func (c *Client) FineInfo(ctx context.Context, articleNumber int) (FineInfo, error) {
	cacheKey := fmt.Sprintf("fine:%d", articleNumber)
	if cached, found := c.cache.Get(cacheKey); found {
		return cached.(FineInfo), nil
	}

	records, err := c.run(ctx, queryFineInfo, map[string]any{"number": articleNumber})
	if err != nil {
		return FineInfo{}, err
	}
	if len(records) == 0 {
		return FineInfo{}, fmt.Errorf("article %d not found", articleNumber)
	}
	info := FineInfo{
		Number:        intValue(records[0], "number"),
		Title:         stringValue(records[0], "title"),
		FineTier:      stringValue(records[0], "fine_tier"),
		MaxAmount:     floatValue(records[0], "max_amount"),
		MaxRevenuePct: floatValue(records[0], "max_revenue_pct"),
	}
	c.cache.Set(cacheKey, info, cache.DefaultExpiration)
	return info, nil
}

func (c *Client) ExplanationGraph(ctx context.Context, detectionType string) ([]ExplanationEdge, error) {
	records, err := c.run(ctx, queryExplanationGraph, map[string]any{"detectionType": detectionType})
	if err != nil {
		return nil, err
	}
	edges := make([]ExplanationEdge, 0, len(records))
	for _, rec := range records {
		edges = append(edges, ExplanationEdge{
			DetectionType: stringValue(rec, "detection_type"),
			ArticleNumber: intValue(rec, "article_number"),
			ArticleTitle:  stringValue(rec, "article_title"),
			Relation:      stringValue(rec, "relation"),
			Recitals:      intListValue(rec, "recitals"),
		})
	}
	return edges, nil
}

func (c *Client) run(ctx context.Context, query string, params map[string]any) (records []map[string]any, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			metrics.Metrics.GraphClient.FailureCount.WithLabelValues(c.host, graphErrorCode(err)).Inc()
			return
		}
		metrics.Metrics.GraphClient.RequestDuration.WithLabelValues(c.host).Observe(time.Since(start).Seconds())
	}()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	for result.Next(ctx) {
		records = append(records, result.Record().AsMap())
	}
	return records, result.Err()
}

func graphErrorCode(err error) string {
	var neoErr *neo4j.Neo4jError
	if stderrors.As(err, &neoErr) {
		return neoErr.Code
	}
	return "unknown"
}

// staticFallbackArticles is the minimal context used when the graph store
// is down: lawfulness, legal basis and special-category data.
func staticFallbackArticles() []Article {
	return []Article{
		{
			Number:   5,
			Title:    "Principles relating to processing of personal data",
			Content:  "Personal data shall be processed lawfully, fairly and in a transparent manner; collected for specified, explicit and legitimate purposes; adequate, relevant and limited to what is necessary.",
			FineTier: "higher",
			Severity: "high",
		},
		{
			Number:   6,
			Title:    "Lawfulness of processing",
			Content:  "Processing is lawful only if and to the extent that at least one legal basis applies, such as consent, contract, legal obligation, vital interests, public task or legitimate interests.",
			FineTier: "higher",
			Severity: "high",
		},
		{
			Number:   9,
			Title:    "Processing of special categories of personal data",
			Content:  "Processing of personal data revealing racial or ethnic origin, political opinions, religious beliefs, health data or biometric data for the purpose of uniquely identifying a natural person shall be prohibited unless an exception applies.",
			FineTier: "higher",
			Severity: "critical",
		},
	}
}

func stringValue(rec map[string]any, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func intValue(rec map[string]any, key string) int {
	switch v := rec[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func floatValue(rec map[string]any, key string) float64 {
	switch v := rec[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func intListValue(rec map[string]any, key string) []int {
	raw, ok := rec[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case int64:
			out = append(out, int(v))
		case float64:
			out = append(out, int(v))
		}
	}
	return out
}

func stringListValue(rec map[string]any, key string) []string {
	raw, ok := rec[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
