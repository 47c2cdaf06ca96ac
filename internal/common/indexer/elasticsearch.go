package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// reportMapping keeps the job counters as a flat object of integers
const reportMapping = `{
	"mappings": {
		"properties": {
			"batch_job_id": {"type": "long"},
			"type": {"type": "keyword"},
			"batch_number": {"type": "integer"},
			"status": {"type": "keyword"},
			"jobs": {"type": "object", "dynamic": true},
			"started_at": {"type": "date"},
			"finished_at": {"type": "date"},
			"duration_ms": {"type": "long"}
		}
	}
}`

// ElasticsearchIndexer indexes batch reports to Elasticsearch
type ElasticsearchIndexer struct {
	client    *elasticsearch.Client
	indexName string
}

// Config holds the Elasticsearch connection settings
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
}

// NewElasticsearchIndexer creates a new Elasticsearch indexer
func NewElasticsearchIndexer(cfg Config) (*ElasticsearchIndexer, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create es client: %w", err)
	}

	// Check connection
	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("es info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("es error: %s", res.Status())
	}

	return &ElasticsearchIndexer{
		client:    client,
		indexName: cfg.Index,
	}, nil
}

// IndexReport indexes the report under <type>-<batch number>
func (i *ElasticsearchIndexer) IndexReport(ctx context.Context, report domain.BatchReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      i.indexName,
		DocumentID: report.ReportID(),
		Body:       bytes.NewReader(data),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index error: %s", res.Status())
	}

	return nil
}

// EnsureIndex creates the report index if it doesn't exist
func (i *ElasticsearchIndexer) EnsureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.indexName}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()

	if res.StatusCode == 200 {
		return nil
	}

	res, err = i.client.Indices.Create(
		i.indexName,
		i.client.Indices.Create.WithBody(strings.NewReader(reportMapping)),
		i.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("create index error: %s", res.Status())
	}

	return nil
}
