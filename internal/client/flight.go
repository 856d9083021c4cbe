package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// FlightClient evaluates weighted smooth-L1 losses on a remote quiver service via Apache Flight.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	builder *RecordBatchBuilder
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// isServiceFault reports whether err should count against the breaker.
// Invalid input is the caller's fault, not the service's.
func isServiceFault(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Canceled:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// WeightedSmoothL1 evaluates every batch remotely and returns one result per batch, in order.
// Consecutive batches whose rows share a layout travel on a single exchange.
func (c *FlightClient) WeightedSmoothL1(ctx context.Context, batches []LossBatch) ([]LossResult, error) {
	records := make([]arrow.RecordBatch, 0, len(batches))
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()
	for i, lb := range batches {
		rec, err := c.builder.BuildLossBatch(lb)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		records = append(records, rec)
	}

	results := make([]LossResult, 0, len(records))
	for start := 0; start < len(records); {
		end := start + 1
		for end < len(records) && sameLayout(records[end].Schema(), records[start].Schema()) {
			end++
		}
		group := records[start:end]
		err := c.breaker.Do(func() error {
			res, err := c.exchange(ctx, group)
			results = append(results, res...)
			return err
		}, isServiceFault)
		if err != nil {
			return nil, err
		}
		start = end
	}
	return results, nil
}

// sameLayout reports whether two loss batch schemas can share one stream.
// Schema.Equal ignores metadata, and different trailing shapes can have the same list width.
func sameLayout(a, b *arrow.Schema) bool {
	return a.Equal(b) && a.Metadata().Equal(b.Metadata())
}

func (c *FlightClient) exchange(ctx context.Context, records []arrow.RecordBatch) ([]LossResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	stream, err := c.client.DoExchange(gctx)
	if err != nil {
		return nil, err
	}

	results := make([]LossResult, 0, len(records))

	g.Go(func() error {
		writer := flight.NewRecordWriter(stream, ipc.WithSchema(records[0].Schema()))
		writer.SetFlightDescriptor(&flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{DescriptorPath},
		})
		for _, rec := range records {
			if err := writer.Write(rec); err != nil {
				_ = writer.Close()
				// The server ended the stream; the reader surfaces its status.
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
		if err := writer.Close(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return stream.CloseSend()
	})

	g.Go(func() error {
		reader, err := flight.NewRecordReader(stream)
		if err != nil {
			return err
		}
		defer reader.Release()
		for reader.Next() {
			res, err := ReadLossResult(reader.Record())
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if gctx.Err() == nil && len(results) != len(records) {
			return fmt.Errorf("loss exchange returned %d results for %d batches", len(results), len(records))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
