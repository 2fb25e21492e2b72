package searchindex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"searchsync/pkg/domain"
)

// ElasticConfig configures the Elasticsearch/OpenSearch client.
type ElasticConfig struct {
	URLs       []string
	Username   string
	Password   string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Elastic implements Client on top of olivere/elastic.
type Elastic struct {
	client *elastic.Client
	log    zerolog.Logger
}

var _ Client = (*Elastic)(nil)

// NewElastic connects to the configured cluster. Sniffing and background health
// checks are disabled so the client works behind load balancers.
func NewElastic(cfg ElasticConfig) (*Elastic, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("searchindex: at least one url is required")
	}
	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URLs...),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	}
	if cfg.Username != "" {
		opts = append(opts, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, elastic.SetHttpClient(cfg.HTTPClient))
	}
	client, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "searchindex: create client")
	}
	return &Elastic{client: client, log: cfg.Logger}, nil
}

func (e *Elastic) upstream(index string, err error) error {
	status := 0
	var ee *elastic.Error
	if errors.As(err, &ee) {
		status = ee.Status
	}
	e.log.Warn().Err(err).Str("index", index).Int("status", status).Msg("search engine request failed")
	return &domain.UpstreamError{Target: index, URL: index, Status: status, Err: err}
}

func (e *Elastic) PutDocument(ctx context.Context, index, id string, doc domain.Document) error {
	if _, err := e.client.Index().Index(index).Id(id).BodyJson(doc).Do(ctx); err != nil {
		return e.upstream(index, err)
	}
	return nil
}

func (e *Elastic) DeleteDocument(ctx context.Context, index, id string) error {
	_, err := e.client.Delete().Index(index).Id(id).Do(ctx)
	if err != nil && !elastic.IsNotFound(err) {
		return e.upstream(index, err)
	}
	return nil
}

func (e *Elastic) DeleteByField(ctx context.Context, index, field, value string) (int64, error) {
	res, err := e.client.DeleteByQuery(index).
		Query(elastic.NewTermQuery(field, value)).
		ProceedOnVersionConflict().
		Do(ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return 0, nil
		}
		return 0, e.upstream(index, err)
	}
	return res.Deleted, nil
}

func (e *Elastic) CreateIndex(ctx context.Context, index string, body map[string]any) error {
	svc := e.client.CreateIndex(index)
	if len(body) > 0 {
		svc = svc.BodyJson(body)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return e.upstream(index, err)
	}
	if !res.Acknowledged {
		return &domain.UpstreamError{Target: index, URL: index, Err: errors.New("create index not acknowledged")}
	}
	return nil
}

func (e *Elastic) DeleteIndex(ctx context.Context, index string) error {
	if _, err := e.client.DeleteIndex(index).Do(ctx); err != nil {
		if elastic.IsNotFound(err) {
			return errors.Wrap(domain.ErrIndexNotFound, index)
		}
		return e.upstream(index, err)
	}
	return nil
}

func (e *Elastic) CloneIndex(ctx context.Context, src, dst string) error {
	_, err := e.client.PerformRequest(ctx, elastic.PerformRequestOptions{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/%s/_clone/%s", url.PathEscape(src), url.PathEscape(dst)),
	})
	if err != nil {
		return e.upstream(src, err)
	}
	return nil
}

func (e *Elastic) SetBlock(ctx context.Context, index string, block Block) error {
	if !validBlock(block) {
		return errors.Errorf("searchindex: unknown block %q", block)
	}
	settings := map[string]any{}
	if block == BlockNone {
		for _, b := range []Block{BlockMetadata, BlockRead, BlockReadOnly, BlockWrite} {
			settings["index.blocks."+string(b)] = false
		}
	} else {
		settings["index.blocks."+string(block)] = true
	}
	if _, err := e.client.IndexPutSettings(index).BodyJson(settings).Do(ctx); err != nil {
		return e.upstream(index, err)
	}
	return nil
}

func (e *Elastic) WaitForHealth(ctx context.Context, index string, want Health, timeout time.Duration) error {
	res, err := e.client.ClusterHealth().
		Index(index).
		WaitForStatus(string(want)).
		Timeout(fmt.Sprintf("%ds", int(timeout.Seconds()))).
		Do(ctx)
	if err != nil {
		return e.upstream(index, err)
	}
	if res.TimedOut {
		return &domain.UpstreamError{Target: index, URL: index, Err: errors.Errorf("health %s not reached within %s (status %s)", want, timeout, res.Status)}
	}
	return nil
}

func (e *Elastic) IndexExists(ctx context.Context, index string) (bool, error) {
	ok, err := e.client.IndexExists(index).Do(ctx)
	if err != nil {
		return false, e.upstream(index, err)
	}
	return ok, nil
}

func (e *Elastic) Count(ctx context.Context, index string) (int64, error) {
	n, err := e.client.Count(index).Do(ctx)
	if err != nil {
		return 0, e.upstream(index, err)
	}
	return n, nil
}

func (e *Elastic) AggregateMax(ctx context.Context, index, field string) (int64, bool, error) {
	res, err := e.client.Search(index).
		Size(0).
		Aggregation("max_value", elastic.NewMaxAggregation().Field(field)).
		Do(ctx)
	if err != nil {
		return 0, false, e.upstream(index, err)
	}
	agg, found := res.Aggregations.Max("max_value")
	if !found || agg.Value == nil {
		return 0, false, nil
	}
	return int64(*agg.Value), true, nil
}

func (e *Elastic) QueryIDsByTimeRange(ctx context.Context, index string, fields []string, after int64, limit int) ([]string, int64, error) {
	q := elastic.NewBoolQuery().MinimumNumberShouldMatch(1)
	for _, f := range fields {
		q = q.Should(elastic.NewRangeQuery(f).Gt(after))
	}
	res, err := e.client.Search(index).
		Query(q).
		FetchSource(false).
		TrackTotalHits(true).
		Size(limit).
		Do(ctx)
	if err != nil {
		return nil, 0, e.upstream(index, err)
	}
	var ids []string
	if res.Hits != nil {
		for _, hit := range res.Hits.Hits {
			ids = append(ids, hit.Id)
		}
	}
	return ids, res.TotalHits(), nil
}

func (e *Elastic) ScrollIDs(ctx context.Context, index string, pageSize int, fn func([]string) error) error {
	svc := e.client.Scroll(index).Size(pageSize).FetchSource(false)
	defer func() { _ = svc.Clear(context.Background()) }()
	for {
		res, err := svc.Do(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return e.upstream(index, err)
		}
		if res.Hits == nil || len(res.Hits.Hits) == 0 {
			return nil
		}
		ids := make([]string, 0, len(res.Hits.Hits))
		for _, hit := range res.Hits.Hits {
			ids = append(ids, hit.Id)
		}
		if err := fn(ids); err != nil {
			return err
		}
	}
}
