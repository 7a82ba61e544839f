// Package influx provides InfluxDB time-series metrics for the gateway:
// work resolution latency by source, request outcomes by action and
// confirmation relay fan-out.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and verifies its health.
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the InfluxDB connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Gateway metrics

// WriteWorkMetric records one resolved work request with its source
// (dpow, node or cache) and resolution latency.
func (c *Client) WriteWorkMetric(source string, duration time.Duration) {
	tags := map[string]string{
		"source": source,
	}

	fields := map[string]interface{}{
		"duration_ms": float64(duration.Microseconds()) / 1000,
		"count":       1,
	}

	point := write.NewPoint("work", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteRequestMetric records one gateway request outcome by action.
func (c *Client) WriteRequestMetric(action string, ok bool) {
	tags := map[string]string{
		"action": action,
		"ok":     fmt.Sprintf("%t", ok),
	}

	fields := map[string]interface{}{
		"count": 1,
	}

	point := write.NewPoint("requests", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteRelayMetric records one confirmation relay and how many clients
// received it.
func (c *Client) WriteRelayMetric(topic string, clients int) {
	tags := map[string]string{
		"topic": topic,
	}

	fields := map[string]interface{}{
		"clients": clients,
		"count":   1,
	}

	point := write.NewPoint("relays", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteConnectionMetric records stream connection state changes by endpoint.
func (c *Client) WriteConnectionMetric(endpoint, state string) {
	tags := map[string]string{
		"endpoint": endpoint,
		"state":    state,
	}

	fields := map[string]interface{}{
		"count": 1,
	}

	point := write.NewPoint("connections", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// Query methods

// GetWorkLatency retrieves the mean work resolution latency per source over a
// time period.
func (c *Client) GetWorkLatency(ctx context.Context, duration time.Duration) (map[string]float64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "work")
		|> filter(fn: (r) => r._field == "duration_ms")
		|> group(columns: ["source"])
		|> mean()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query work latency: %w", err)
	}
	defer func() { _ = result.Close() }()

	latency := make(map[string]float64)
	for result.Next() {
		record := result.Record()
		source, _ := record.ValueByKey("source").(string)
		if value, ok := record.Value().(float64); ok {
			latency[source] = value
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return latency, nil
}

// Flush forces a write of all pending points.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
