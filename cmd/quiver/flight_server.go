package main

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
)

// QuiverFlightServer evaluates loss batches streamed over DoExchange.
type QuiverFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewQuiverFlightServer(srv *Server) *QuiverFlightServer {
	return &QuiverFlightServer{srv: srv}
}

func checkDescriptor(desc *flight.FlightDescriptor) error {
	if desc == nil {
		return nil
	}
	if desc.Type != flight.DescriptorPATH || len(desc.Path) != 1 || desc.Path[0] != client.DescriptorPath {
		return status.Errorf(codes.InvalidArgument, "unsupported flight descriptor %v, want path %q", desc, client.DescriptorPath)
	}
	return nil
}

// DoExchange answers every loss batch with one result batch, in order.
func (s *QuiverFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		span.RecordError(err)
		return status.Errorf(codes.InvalidArgument, "reading loss batch schema: %v", err)
	}
	defer reader.Release()

	if err := checkDescriptor(reader.LatestFlightDescriptor()); err != nil {
		span.RecordError(err)
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.ResultSchema), ipc.WithAllocator(s.srv.alloc))
	defer writer.Close()

	backend := s.srv.registry.Backend(s.srv.device)
	batches := 0
	for reader.Next() {
		if err := s.answer(ctx, reader.Record(), backend, writer); err != nil {
			span.RecordError(err)
			return exchangeStatus(ctx, batches, err)
		}
		batches++
	}
	if err := reader.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("reading loss batches: %w", err)
	}

	span.SetAttributes(attribute.Int("batches", batches))
	log.Debug().Int("batches", batches).Msg("DoExchange complete")
	return nil
}

func (s *QuiverFlightServer) answer(ctx context.Context, rec arrow.RecordBatch, backend device.Backend, writer *flight.Writer) error {
	lb, err := client.ReadLossBatch(rec, backend)
	if err != nil {
		return err
	}
	res, err := s.srv.evaluate(ctx, lb)
	if err != nil {
		return err
	}
	out := s.srv.builder.BuildLossResult(res)
	defer out.Release()
	return writer.Write(out)
}

func exchangeStatus(ctx context.Context, batch int, err error) error {
	switch {
	case isInputError(err):
		return status.Errorf(codes.InvalidArgument, "batch %d: %v", batch, err)
	case ctx.Err() != nil:
		return status.FromContextError(ctx.Err()).Err()
	}
	return status.Errorf(codes.Internal, "batch %d: %v", batch, err)
}
